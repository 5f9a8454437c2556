package ledger

import (
	"time"

	"github.com/google/uuid"
)

// CodeGenerator produces authorization codes. Codes must be unique across
// the system; their format is opaque to the engine.
type CodeGenerator interface {
	GenerateAuthorizationCode() string
}

// Clock stamps CreatedAt on new transactions.
type Clock interface {
	Now() time.Time
}

// UUIDCodes generates random (v4) UUID authorization codes.
type UUIDCodes struct{}

func (UUIDCodes) GenerateAuthorizationCode() string { return uuid.NewString() }

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// CodeFunc adapts a plain function to CodeGenerator.
type CodeFunc func() string

func (f CodeFunc) GenerateAuthorizationCode() string { return f() }

// ClockFunc adapts a plain function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }
