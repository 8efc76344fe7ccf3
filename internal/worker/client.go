package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/pageflowhq/pageflow/internal/errs"
	"github.com/pageflowhq/pageflow/internal/logger"
)

// Client is the caller side of the worker RPC surface. The ingest
// orchestrator holds one and bounds every dispatch with its own context
// deadline.
type Client struct {
	nc  *nats.Conn
	log *slog.Logger
}

// NewClient wraps an existing NATS connection.
func NewClient(nc *nats.Conn) *Client {
	return &Client{nc: nc, log: logger.Component("worker-client")}
}

// StartProcessing dispatches a job to the worker. Transport failures and
// deadline expiry surface as KindDispatch, which callers treat as
// non-fatal; typed refusals keep their original kind.
func (c *Client) StartProcessing(ctx context.Context, req StartRequest) (*Accepted, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errs.New("worker-client", "StartProcessing", errs.KindValidation, err)
	}

	msg, err := c.nc.RequestWithContext(ctx, SubjectStart, data)
	if err != nil {
		return nil, errs.New("worker-client", "StartProcessing", errs.KindDispatch, err)
	}

	var reply startReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, errs.New("worker-client", "StartProcessing", errs.KindDispatch, err)
	}
	if reply.Code != CodeOK {
		return nil, replyError("StartProcessing", reply.Code, reply.Error)
	}
	if reply.Accepted == nil {
		return nil, errs.New("worker-client", "StartProcessing", errs.KindDispatch,
			fmt.Errorf("ok reply without accepted payload"))
	}
	return reply.Accepted, nil
}

// ObserveProgress opens an update stream for a job. The returned channel
// closes when the job reaches a terminal status or ctx is cancelled.
func (c *Client) ObserveProgress(ctx context.Context, jobID string) (<-chan Update, error) {
	inbox := nats.NewInbox()
	frames := make(chan *nats.Msg, 128)
	sub, err := c.nc.ChanSubscribe(inbox, frames)
	if err != nil {
		return nil, errs.New("worker-client", "ObserveProgress", errs.KindDispatch, err)
	}

	req, _ := json.Marshal(observeRequest{JobID: jobID, Inbox: inbox})
	msg, err := c.nc.RequestWithContext(ctx, SubjectObserve, req)
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, errs.New("worker-client", "ObserveProgress", errs.KindDispatch, err)
	}

	var reply observeReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		_ = sub.Unsubscribe()
		return nil, errs.New("worker-client", "ObserveProgress", errs.KindDispatch, err)
	}
	if reply.Code != CodeOK {
		_ = sub.Unsubscribe()
		return nil, replyError("ObserveProgress", reply.Code, reply.Error)
	}

	out := make(chan Update)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()

		for {
			select {
			case <-ctx.Done():
				c.signalStop(inbox)
				return
			case m, ok := <-frames:
				if !ok {
					return
				}
				var frame observeFrame
				if err := json.Unmarshal(m.Data, &frame); err != nil {
					c.log.Warn("skipping malformed observe frame", "job_id", jobID, "error", err)
					continue
				}
				if frame.Done {
					return
				}
				if frame.Update == nil {
					continue
				}
				select {
				case out <- *frame.Update:
				case <-ctx.Done():
					c.signalStop(inbox)
					return
				}
			}
		}
	}()

	return out, nil
}

// signalStop tells the worker to tear down an abandoned observe stream so it
// stops publishing into an inbox nobody reads. Best effort: the stream also
// ends on its own when the job reaches a terminal status.
func (c *Client) signalStop(inbox string) {
	if err := c.nc.Publish(stopSubject(inbox), nil); err != nil {
		c.log.Warn("observe stop publish failed", "inbox", inbox, "error", err)
	}
}

func replyError(op, code, message string) error {
	kind := errs.KindDispatch
	switch code {
	case CodeInvalidArgument:
		kind = errs.KindValidation
	case CodeNotFound:
		kind = errs.KindNotFound
	case CodeInternal:
		kind = errs.KindPersistence
	}
	return errs.New("worker-client", op, kind, nil).WithMessage(message)
}
