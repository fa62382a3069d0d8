package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/hasbegun/eyed/internal/bus"
	"github.com/hasbegun/eyed/internal/wire"
)

// bulkNamespace derives the deterministic UUIDv5 namespace for one dataset,
// so re-running a bulk job maps the same subjects to the same identities.
func bulkNamespace(dataset string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("eyed:bulk:"+dataset))
}

// HandleBulkEnroll answers eyed.enroll.bulk. The reply is immediate: the
// dataset walk result before any image is processed. The job itself runs in
// the background, publishing per-item progress on the job's subject.
func (e *Engine) HandleBulkEnroll(msg *nats.Msg) {
	var req wire.BulkEnrollRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		e.bc.Respond(msg, &wire.BulkEnrollAck{Error: "bad request: " + err.Error()})
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	items, err := e.data.Walk(req.Dataset, "")
	if err != nil {
		e.bc.Respond(msg, &wire.BulkEnrollAck{JobID: req.JobID, Error: err.Error()})
		return
	}
	if req.Limit > 0 && len(items) > req.Limit {
		items = items[:req.Limit]
	}
	e.bc.Respond(msg, &wire.BulkEnrollAck{JobID: req.JobID, Total: len(items)})

	go e.runBulkJob(req.JobID, req.Dataset, items)
}

// runBulkJob fans the items out over as many workers as the pipeline pool
// has instances. Cancellation is checked between items: the one in flight
// finishes, the rest are abandoned.
func (e *Engine) runBulkJob(jobID, dataset string, items []Item) {
	progressSubject := bus.EnrollProgressSubject(jobID)

	var cancelled atomic.Bool
	cancelSub, err := e.bc.Subscribe(bus.EnrollCancelSubject(jobID), func(*nats.Msg) {
		cancelled.Store(true)
	})
	if err != nil {
		e.log.Warn("bulk cancel subscription failed", "job_id", jobID, "error", err)
	} else {
		defer cancelSub.Unsubscribe()
	}

	e.log.Info("bulk enroll started", "job_id", jobID, "dataset", dataset, "total", len(items))

	ns := bulkNamespace(dataset)
	var enrolled, duplicates, errors atomic.Int64

	feed := make(chan Item)
	var wg sync.WaitGroup
	for i := 0; i < e.pool.Size(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range feed {
				ev := e.bulkItem(jobID, dataset, ns, item)
				switch ev.Status {
				case "enrolled":
					enrolled.Add(1)
				case "duplicate":
					duplicates.Add(1)
				default:
					errors.Add(1)
				}
				if err := e.bc.Publish(progressSubject, ev); err != nil {
					e.log.Debug("bulk progress publish failed", "job_id", jobID, "error", err)
				}
			}
		}()
	}

	for _, item := range items {
		if cancelled.Load() {
			break
		}
		feed <- item
	}
	close(feed)
	wg.Wait()

	summary := &wire.BulkEnrollSummary{
		Total:      len(items),
		Enrolled:   int(enrolled.Load()),
		Duplicates: int(duplicates.Load()),
		Errors:     int(errors.Load()),
	}
	final := &wire.BulkEnrollProgress{JobID: jobID, Done: true, Summary: summary}
	if cancelled.Load() {
		final.Status = "cancelled"
	}
	if err := e.bc.Publish(progressSubject, final); err != nil {
		e.log.Warn("bulk summary publish failed", "job_id", jobID, "error", err)
	}
	e.log.Info("bulk enroll finished",
		"job_id", jobID,
		"dataset", dataset,
		"enrolled", summary.Enrolled,
		"duplicates", summary.Duplicates,
		"errors", summary.Errors,
		"cancelled", cancelled.Load())
}

// bulkItem enrolls one dataset image under its deterministic identity.
func (e *Engine) bulkItem(jobID, dataset string, ns uuid.UUID, item Item) *wire.BulkEnrollProgress {
	ev := &wire.BulkEnrollProgress{
		JobID:   jobID,
		Subject: item.Subject,
		EyeSide: item.EyeSide,
	}

	data, err := os.ReadFile(item.Path)
	if err != nil {
		ev.Status = "error"
		ev.Error = err.Error()
		return ev
	}

	ctx, cancel := context.WithTimeout(context.Background(), enrollBudget)
	defer cancel()
	resp := e.enrollOne(ctx, &wire.EnrollRequest{
		JPEGB64:    base64.StdEncoding.EncodeToString(data),
		EyeSide:    item.EyeSide,
		IdentityID: uuid.NewSHA1(ns, []byte(item.Subject)).String(),
		Name:       dataset + ":" + item.Subject,
		DeviceID:   "bulk-enroll",
	})

	switch {
	case resp.Error != "":
		ev.Status = "error"
		ev.Error = resp.Error
	case resp.IsDuplicate:
		ev.Status = "duplicate"
		ev.IdentityID = resp.DuplicateIdentityID
	default:
		ev.Status = "enrolled"
		ev.IdentityID = resp.IdentityID
	}
	return ev
}
