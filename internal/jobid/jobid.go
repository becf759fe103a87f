// ============================================================================
// Job Identifier
// ============================================================================
//
// Package: internal/jobid
// File: jobid.go
// Purpose: Derive a numeric job id from the attributes that distinguish a
// submission (creation instant, target device, folder name).
//
// Schemes:
//   legacy - SHA-256 of the comma-joined tuple, first 12 hex chars read as an
//            integer, reduced modulo 1,000,000. Six digits; distinct tuples
//            can and do collide (see jobid_test.go).
//   wide   - first 8 bytes of the same digest masked to 53 bits, so the id
//            stays exact as a JSON number. Default.
//
// Both schemes are pure: the same tuple always yields the same id. Callers
// that find an id already taken re-derive with a salt (Derive(attrs, n)).
//
// ============================================================================

package jobid

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

// Scheme selects how the digest is reduced to an id.
type Scheme string

const (
	SchemeLegacy Scheme = "legacy"
	SchemeWide   Scheme = "wide"
)

const (
	legacyModulus = 1000000
	wideMask      = (uint64(1) << 53) - 1
)

// Attributes are the distinguishing attributes of a submission.
type Attributes struct {
	CreatedAt  time.Time
	DeviceID   string
	FolderName string
}

// Tuple renders the ordered tuple that is hashed.
func (a Attributes) Tuple() []string {
	return []string{a.CreatedAt.UTC().Format(time.RFC3339Nano), a.DeviceID, a.FolderName}
}

// Legacy computes the six-digit id from an ordered tuple.
func Legacy(params ...string) types.JobID {
	sum := sha256.Sum256([]byte(strings.Join(params, ",")))
	hexDigest := hex.EncodeToString(sum[:])

	// 12 hex chars = 48 bits, always fits
	v, _ := strconv.ParseUint(hexDigest[:12], 16, 64)
	return types.JobID(v % legacyModulus)
}

// Wide computes a 53-bit id from an ordered tuple.
func Wide(params ...string) types.JobID {
	sum := sha256.Sum256([]byte(strings.Join(params, ",")))
	return types.JobID(binary.BigEndian.Uint64(sum[:8]) & wideMask)
}

// ParseScheme validates a configured scheme name. Empty means wide.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(s))) {
	case "", SchemeWide:
		return SchemeWide, nil
	case SchemeLegacy:
		return SchemeLegacy, nil
	}
	return "", fmt.Errorf("unknown job id scheme %q", s)
}

// Generator derives ids with a fixed scheme.
type Generator struct {
	Scheme Scheme
}

// NewGenerator returns a generator for scheme.
func NewGenerator(scheme Scheme) Generator {
	return Generator{Scheme: scheme}
}

// Derive returns the id for attrs. A positive salt appends "#<salt>" to the
// tuple so a colliding submission gets a different, still reproducible id.
func (g Generator) Derive(attrs Attributes, salt int) types.JobID {
	params := attrs.Tuple()
	if salt > 0 {
		params = append(params, "#"+strconv.Itoa(salt))
	}
	if g.Scheme == SchemeLegacy {
		return Legacy(params...)
	}
	return Wide(params...)
}
