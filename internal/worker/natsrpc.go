package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pageflowhq/pageflow/internal/errs"
	"github.com/pageflowhq/pageflow/internal/logger"
)

// RPC subjects. StartProcessing is plain request/reply; ObserveProgress
// streams updates to a caller-owned inbox subject.
const (
	SubjectStart   = "pageflow.job.start"
	SubjectObserve = "pageflow.job.observe"
)

// RPC status codes, mirrored from the typed error kinds.
const (
	CodeOK              = "ok"
	CodeInvalidArgument = "invalid_argument"
	CodeNotFound        = "not_found"
	CodeInternal        = "internal"
)

// startReply is the wire envelope for StartProcessing replies.
type startReply struct {
	Code     string    `json:"code"`
	Error    string    `json:"error,omitempty"`
	Accepted *Accepted `json:"accepted,omitempty"`
}

// observeRequest asks the worker to stream a job's updates to Inbox.
type observeRequest struct {
	JobID string `json:"jobId"`
	Inbox string `json:"inbox"`
}

// observeReply acknowledges (or refuses) an observe request.
type observeReply struct {
	Code  string `json:"code"`
	Error string `json:"error,omitempty"`
}

// observeFrame is one element on the observe inbox stream. Done marks the
// end of the stream after the terminal update.
type observeFrame struct {
	Update *Update `json:"update,omitempty"`
	Done   bool    `json:"done,omitempty"`
}

// stopSubject derives the control subject a caller publishes to when it
// abandons an observe stream.
func stopSubject(inbox string) string {
	return inbox + ".stop"
}

func codeForError(err error) string {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return CodeInvalidArgument
	case errs.KindNotFound:
		return CodeNotFound
	default:
		return CodeInternal
	}
}

// Connect dials NATS with the reconnect behavior both PageFlow binaries
// use.
func Connect(url, name string) (*nats.Conn, error) {
	log := logger.Component("nats")
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
}

// Server exposes a Service over NATS.
type Server struct {
	nc   *nats.Conn
	svc  *Service
	log  *slog.Logger
	subs []*nats.Subscription
}

// NewServer wraps the service; call Start to begin serving.
func NewServer(nc *nats.Conn, svc *Service) *Server {
	return &Server{nc: nc, svc: svc, log: logger.Component("worker-rpc")}
}

// Start registers the RPC handlers.
func (s *Server) Start() error {
	startSub, err := s.nc.Subscribe(SubjectStart, s.handleStart)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, startSub)

	observeSub, err := s.nc.Subscribe(SubjectObserve, s.handleObserve)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, observeSub)

	s.log.Info("worker RPC listening", "subjects", []string{SubjectStart, SubjectObserve})
	return nil
}

// Stop unsubscribes the handlers and drains in-flight messages.
func (s *Server) Stop() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
}

func (s *Server) handleStart(msg *nats.Msg) {
	var req StartRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, startReply{Code: CodeInvalidArgument, Error: "malformed request"})
		return
	}

	accepted, err := s.svc.StartProcessing(context.Background(), req)
	if err != nil {
		s.reply(msg, startReply{Code: codeForError(err), Error: clientMessage(err)})
		return
	}
	s.reply(msg, startReply{Code: CodeOK, Accepted: accepted})
}

func (s *Server) handleObserve(msg *nats.Msg) {
	var req observeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Inbox == "" {
		s.reply(msg, observeReply{Code: CodeInvalidArgument, Error: "malformed request"})
		return
	}

	session := newObserveSession(req.Inbox, s.nc.Publish, s.log)

	// The caller signals abandonment on the stop subject; that cancels the
	// stream context, which unsubscribes the bus subscription immediately
	// instead of pumping frames into a dead inbox until the job ends.
	stopSub, err := s.nc.Subscribe(stopSubject(req.Inbox), func(*nats.Msg) {
		session.stop()
	})
	if err != nil {
		session.stop()
		s.reply(msg, observeReply{Code: CodeInternal, Error: "internal server error"})
		return
	}

	updates, err := s.svc.ObserveProgress(session.ctx, req.JobID)
	if err != nil {
		_ = stopSub.Unsubscribe()
		session.stop()
		s.reply(msg, observeReply{Code: codeForError(err), Error: clientMessage(err)})
		return
	}
	s.reply(msg, observeReply{Code: CodeOK})

	go func() {
		defer func() { _ = stopSub.Unsubscribe() }()
		session.pump(updates)
	}()
}

// observeSession owns the server side of one observe stream: it forwards
// updates to the caller's inbox and carries the context whose cancellation
// tears the stream down.
type observeSession struct {
	ctx     context.Context
	cancel  context.CancelFunc
	inbox   string
	publish func(subject string, data []byte) error
	log     *slog.Logger
}

func newObserveSession(inbox string, publish func(string, []byte) error, log *slog.Logger) *observeSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &observeSession{
		ctx:     ctx,
		cancel:  cancel,
		inbox:   inbox,
		publish: publish,
		log:     log,
	}
}

// stop cancels the stream context. Safe to call more than once.
func (o *observeSession) stop() {
	o.cancel()
}

// pump forwards updates until the stream closes, then marks the end of the
// stream and releases the context.
func (o *observeSession) pump(updates <-chan Update) {
	defer o.cancel()
	for update := range updates {
		o.send(observeFrame{Update: &update})
	}
	o.send(observeFrame{Done: true})
}

func (o *observeSession) send(frame observeFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		o.log.Error("marshal observe frame", "error", err)
		return
	}
	if err := o.publish(o.inbox, data); err != nil {
		o.log.Warn("observe frame publish failed", "inbox", o.inbox, "error", err)
	}
}

func (s *Server) reply(msg *nats.Msg, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("marshal reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("reply failed", "subject", msg.Subject, "error", err)
	}
}

func clientMessage(err error) string {
	var ce *errs.ContextualError
	if errors.As(err, &ce) {
		return ce.ClientMessage()
	}
	return "internal server error"
}
