package events

import (
	"errors"
	"time"

	"github.com/papercomputeco/switchboard/pkg/pool"
)

const (
	// SchemaCredentialV1 is the schema identifier for credential lifecycle
	// events.
	SchemaCredentialV1 = "switchboard.credential.v1"
)

// ErrEmptyKind indicates an empty event kind was provided where a value is required.
var ErrEmptyKind = errors.New("cannot create event with empty kind")

// Event is the publish payload for one credential lifecycle change. The
// credential travels as its public projection, so no secret material leaves
// the process.
type Event struct {
	Schema     string                `json:"schema"`
	Kind       string                `json:"kind"`
	OccurredAt time.Time             `json:"occurred_at"`
	Credential pool.CredentialStatus `json:"credential"`
}

// NewEvent creates an Event for a lifecycle kind and credential projection.
func NewEvent(kind string, credential pool.CredentialStatus) (*Event, error) {
	if kind == "" {
		return nil, ErrEmptyKind
	}

	return &Event{
		Schema:     SchemaCredentialV1,
		Kind:       kind,
		OccurredAt: time.Now(),
		Credential: credential,
	}, nil
}
