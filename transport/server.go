package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/DeepnessLab/moly/internal/logger"
	"github.com/DeepnessLab/moly/types"
)

// ErrServerStarted is returned by Start on a running server.
var ErrServerStarted = errors.New("transport server already started")

// errBadRequest marks requests that could not be decoded or validated.
var errBadRequest = errors.New("bad request")

// Controller is the part of moly.Controller served over NATS.
type Controller interface {
	RegisterMiddlebox(ctx context.Context, mb types.Middlebox) error
	DeregisterMiddlebox(ctx context.Context, id string) error
	AddRules(ctx context.Context, mbID string, rules []types.MatchRule) error
	RemoveRules(ctx context.Context, mbID string, rids []int) error
	RegisterInstance(ctx context.Context, inst types.ServiceInstance) error
	DeregisterInstance(ctx context.Context, id string) error
	Middleboxes(ctx context.Context) ([]types.Middlebox, error)
	Instances(ctx context.Context) ([]types.ServiceInstance, error)
	NeededInstances(ctx context.Context, mbID string) ([]types.ServiceInstance, error)
}

// Server answers protocol requests on behalf of a Controller.
//
// Each subscription is served by its own NATS dispatch goroutine; the
// Controller serializes the calls.
type Server struct {
	nc      *nats.Conn
	prefix  string
	ctrl    Controller
	timeout time.Duration
	logger  types.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l types.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithRequestTimeout bounds each Controller call. Default 5s.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.timeout = d
	}
}

// NewServer creates a Server for ctrl under prefix.
//
// Parameters:
//   - nc: Connection used for subscriptions and replies
//   - prefix: First subject token, e.g. "moly"
//   - ctrl: Controller serving the requests
//   - opts: Optional logger and request timeout
//
// Returns:
//   - *Server: Server ready to Start
//
// Example:
//
//	srv := transport.NewServer(nc, "moly", ctrl, transport.WithServerLogger(log))
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
func NewServer(nc *nats.Conn, prefix string, ctrl Controller, opts ...ServerOption) *Server {
	s := &Server{
		nc:      nc,
		prefix:  prefix,
		ctrl:    ctrl,
		timeout: 5 * time.Second,
		logger:  logger.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start subscribes to every request subject and flushes the subscriptions
// to the server.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.subs) > 0 {
		return ErrServerStarted
	}

	routes := map[string]nats.MsgHandler{
		subjectMiddleboxRegister:   serve(s, ClassMiddleboxRegister, s.middleboxRegister),
		subjectMiddleboxDeregister: serve(s, ClassMiddleboxDeregister, s.middleboxDeregister),
		subjectRulesAdd:            serve(s, ClassMiddleboxRulesetAdd, s.rulesAdd),
		subjectRulesRemove:         serve(s, ClassMiddleboxRulesetRemove, s.rulesRemove),
		subjectInstanceRegister:    serve(s, ClassInstanceRegister, s.instanceRegister),
		subjectInstanceDeregister:  serve(s, ClassInstanceDeregister, s.instanceDeregister),
		subjectInstanceException:   serve(s, ClassInstanceException, s.instanceException),
		subjectQueryMiddleboxes:    serve(s, "", s.queryMiddleboxes),
		subjectQueryInstances:      serve(s, "", s.queryInstances),
		subjectQueryNeeded:         serve(s, ClassNeededInstancesQuery, s.queryNeeded),
	}

	for suffix, handler := range routes {
		sub, err := s.nc.Subscribe(Subject(s.prefix, suffix), handler)
		if err != nil {
			s.unsubscribeLocked()
			return fmt.Errorf("failed to subscribe %s: %w", suffix, err)
		}
		s.subs = append(s.subs, sub)
	}

	if err := s.nc.Flush(); err != nil {
		s.unsubscribeLocked()
		return fmt.Errorf("failed to flush subscriptions: %w", err)
	}
	s.logger.Info("transport server started", "prefix", s.prefix, "subjects", len(s.subs))

	return nil
}

// Stop drains the subscriptions. In-flight requests complete.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			s.logger.Debug("failed to drain subscription", "subject", sub.Subject, "error", err)
		}
	}
	s.subs = nil
}

func (s *Server) unsubscribeLocked() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

// serve decodes a request of class T, runs fn and replies.
func serve[T any](s *Server, class string, fn func(context.Context, T) (Reply, error)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req T
		if len(msg.Data) > 0 {
			var env envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				s.reply(msg, Reply{}, fmt.Errorf("%w: %w", errBadRequest, err))
				return
			}
			if class != "" && env.ClassName != "" && env.ClassName != class {
				s.reply(msg, Reply{}, fmt.Errorf("%w: expected %s, got %s", errBadRequest, class, env.ClassName))
				return
			}
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				s.reply(msg, Reply{}, fmt.Errorf("%w: %w", errBadRequest, err))
				return
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		reply, err := fn(ctx, req)
		s.reply(msg, reply, err)
	}
}

func (s *Server) reply(msg *nats.Msg, reply Reply, err error) {
	if err != nil {
		reply = Reply{Code: errorCode(err), Error: err.Error()}
		s.logger.Debug("request failed", "subject", msg.Subject, "code", reply.Code, "error", err)
	} else {
		reply.OK = true
	}

	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("failed to encode reply", "subject", msg.Subject, "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", "subject", msg.Subject, "error", err)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, errBadRequest):
		return CodeBadRequest
	case errors.Is(err, types.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, types.ErrAlreadyExists):
		return CodeAlreadyExists
	case errors.Is(err, types.ErrNoCapacity):
		return CodeNoCapacity
	case errors.Is(err, types.ErrNotStarted), errors.Is(err, context.DeadlineExceeded):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// validID reports whether id can be used as a single subject token.
func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, ".*> \t\r\n")
}

func requireID(id string) error {
	if !validID(id) {
		return fmt.Errorf("%w: invalid id %q", errBadRequest, id)
	}

	return nil
}

func (s *Server) middleboxRegister(ctx context.Context, req MiddleboxRegister) (Reply, error) {
	if err := requireID(req.ID); err != nil {
		return Reply{}, err
	}

	return Reply{}, s.ctrl.RegisterMiddlebox(ctx, types.Middlebox{ID: req.ID, Name: req.Name, Address: req.Address})
}

func (s *Server) middleboxDeregister(ctx context.Context, req MiddleboxDeregister) (Reply, error) {
	return Reply{}, s.ctrl.DeregisterMiddlebox(ctx, req.ID)
}

func (s *Server) rulesAdd(ctx context.Context, req MiddleboxRulesetAdd) (Reply, error) {
	return Reply{}, s.ctrl.AddRules(ctx, req.ID, req.Rules)
}

func (s *Server) rulesRemove(ctx context.Context, req MiddleboxRulesetRemove) (Reply, error) {
	return Reply{}, s.ctrl.RemoveRules(ctx, req.ID, req.Rules)
}

func (s *Server) instanceRegister(ctx context.Context, req InstanceRegister) (Reply, error) {
	if err := requireID(req.ID); err != nil {
		return Reply{}, err
	}

	return Reply{}, s.ctrl.RegisterInstance(ctx, types.ServiceInstance{ID: req.ID, Name: req.Name, Address: req.Address})
}

func (s *Server) instanceDeregister(ctx context.Context, req InstanceDeregister) (Reply, error) {
	return Reply{}, s.ctrl.DeregisterInstance(ctx, req.ID)
}

func (s *Server) instanceException(_ context.Context, req InstanceException) (Reply, error) {
	s.logger.Error("instance reported an exception",
		"instance", req.ID,
		"code", req.Code,
		"name", req.Name,
		"message", req.Message,
		"stacktrace", req.Stacktrace,
	)

	return Reply{}, nil
}

func (s *Server) queryMiddleboxes(ctx context.Context, _ struct{}) (Reply, error) {
	mbs, err := s.ctrl.Middleboxes(ctx)
	return Reply{Middleboxes: mbs}, err
}

func (s *Server) queryInstances(ctx context.Context, _ struct{}) (Reply, error) {
	insts, err := s.ctrl.Instances(ctx)
	return Reply{Instances: insts}, err
}

func (s *Server) queryNeeded(ctx context.Context, req NeededInstancesQuery) (Reply, error) {
	insts, err := s.ctrl.NeededInstances(ctx, req.ID)
	return Reply{Instances: insts}, err
}
