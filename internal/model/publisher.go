package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OpKind names a kind of background operation.
type OpKind string

const (
	OpKindBIOS OpKind = "bios"
	OpKindVM   OpKind = "vm"
)

// OpStatus is a snapshot of a background operation published to observers.
type OpStatus struct {
	Kind      OpKind
	ID        uuid.UUID
	Target    string
	State     string
	Result    Result
	Detail    string
	TraceID   string
	SpanID    string
	UpdatedAt time.Time
}

// StatusPublisher defines methods to publish background operation progress.
type StatusPublisher interface {
	Publish(ctx context.Context, status *OpStatus)
}

// NoopPublisher drops every status, it is used when no status stream is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, *OpStatus) {}
