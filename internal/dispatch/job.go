package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Kind names a unit of synchronization work
type Kind string

const (
	// KindFullSync lists an account's folders and reconciles each of them
	KindFullSync Kind = "full_sync"
	// KindReconcileFolder compares a folder's UIDs with the local store
	KindReconcileFolder Kind = "reconcile_folder"
	// KindReconcileOnPush is an incremental reconcile triggered by the watcher
	KindReconcileOnPush Kind = "reconcile_on_push"
	// KindFetchBatch fetches, maps and stores a batch of messages
	KindFetchBatch Kind = "fetch_batch"
)

// Job is one unit of work for the dispatcher
type Job struct {
	ID      string
	Kind    Kind
	Account string
	Folder  string
	UIDs    []uint32
	// Full re-fetches every remote message instead of only missing ones
	Full bool
	// FromPush marks work caused by a push notification
	FromPush bool
}

// NewJob creates a job with a fresh id
func NewJob(kind Kind, account, folder string) Job {
	return Job{
		ID:      uuid.NewString(),
		Kind:    kind,
		Account: account,
		Folder:  folder,
	}
}

// NewFullSync creates the full synchronization run when an account becomes
// active: every remote message of every folder is fetched again
func NewFullSync(account string) Job {
	job := NewJob(KindFullSync, account, "")
	job.Full = true
	return job
}

func (j Job) String() string {
	if j.Folder == "" {
		return fmt.Sprintf("%s(%s)", j.Kind, j.Account)
	}
	return fmt.Sprintf("%s(%s/%s)", j.Kind, j.Account, j.Folder)
}

// Handler executes jobs
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job Job) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Enqueuer accepts jobs
type Enqueuer interface {
	Submit(job Job) error
}
