package auth

import (
	"fmt"
	"sync"
)

// Authenticator checks operator credentials. It is immutable after
// construction and safe for concurrent use.
type Authenticator struct {
	operators map[string]account

	// dummy is verified against when the username is unknown so that
	// unknown and known users take the same time.
	dummyOnce sync.Once
	dummy     passwordHash
}

// account is an operator with its hash decoded once at startup.
type account struct {
	Operator
	hash passwordHash
}

// NewAuthenticator validates ops and indexes them by username.
//
// Returns:
//   - *Authenticator: Ready for Authenticate calls
//   - error: ErrInvalidOperator for a bad username, role, hash or duplicate
func NewAuthenticator(ops []Operator) (*Authenticator, error) {
	a := &Authenticator{operators: make(map[string]account, len(ops))}
	for i, op := range ops {
		if !IsValidUsername(op.Username) {
			return nil, fmt.Errorf("%w: operator %d has invalid username %q", ErrInvalidOperator, i, op.Username)
		}
		if !IsValidRole(op.Role) {
			return nil, fmt.Errorf("%w: operator %q has unknown role %q", ErrInvalidOperator, op.Username, op.Role)
		}
		hash, err := parsePasswordHash(op.PasswordHash)
		if err != nil {
			return nil, fmt.Errorf("operator %q: %w", op.Username, err)
		}
		if _, dup := a.operators[op.Username]; dup {
			return nil, fmt.Errorf("%w: duplicate operator %q", ErrInvalidOperator, op.Username)
		}
		a.operators[op.Username] = account{Operator: op, hash: hash}
	}
	return a, nil
}

// Len returns the number of configured operators.
func (a *Authenticator) Len() int {
	return len(a.operators)
}

// Authenticate returns the operator whose username and password match.
// Every failure is reported as ErrInvalidCredentials.
func (a *Authenticator) Authenticate(username, password string) (Operator, error) {
	acct, ok := a.operators[username]
	if !ok {
		a.dummyOnce.Do(func() {
			encoded, _ := HashPassword("placesd-dummy-password") //nolint:errcheck // only used for timing
			a.dummy, _ = parsePasswordHash(encoded)              //nolint:errcheck // HashPassword output always parses
		})
		if a.dummy.key != nil {
			a.dummy.matches(password)
		}
		return Operator{}, ErrInvalidCredentials
	}

	if !acct.hash.matches(password) {
		return Operator{}, ErrInvalidCredentials
	}
	return acct.Operator, nil
}
