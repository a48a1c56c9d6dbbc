package docsync

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	mathrand "math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
)

// a patch id is a lexicographically orderable string
//   <time36>_<client>
// where time36 is the millisecond unix time in base 36, zero padded to a
// fixed width, and client is an opaque per-client token. client tokens may
// themselves contain underscores, so decode reads a fixed width prefix
// instead of splitting on the delimiter.

const patchIdTimeWidth = 11

const legacyClientToken = "legacy"

// comparable, orderable with <
type PatchId string

func EncodePatchId(timeMs int64, clientToken string) (PatchId, error) {
	if timeMs < 0 {
		return "", fmt.Errorf("%w: negative time %d", ErrConfig, timeMs)
	}
	if clientToken == "" {
		return "", fmt.Errorf("%w: empty client token", ErrConfig)
	}
	time36 := strconv.FormatInt(timeMs, 36)
	if patchIdTimeWidth < len(time36) {
		return "", fmt.Errorf("%w: time out of range %d", ErrConfig, timeMs)
	}
	if len(time36) < patchIdTimeWidth {
		time36 = strings.Repeat("0", patchIdTimeWidth-len(time36)) + time36
	}
	return PatchId(time36 + "_" + clientToken), nil
}

func RequirePatchId(timeMs int64, clientToken string) PatchId {
	id, err := EncodePatchId(timeMs, clientToken)
	if err != nil {
		panic(err)
	}
	return id
}

// LegacyPatchId encodes a time-only id for histories recorded before
// client tokens existed.
func LegacyPatchId(timeMs int64) (PatchId, error) {
	return EncodePatchId(timeMs, legacyClientToken)
}

func DecodePatchId(id PatchId) (timeMs int64, clientToken string, err error) {
	if len(id) < patchIdTimeWidth+2 {
		err = fmt.Errorf("%w: too short (%d)", ErrInvalidPatchId, len(id))
		return
	}
	if id[patchIdTimeWidth] != '_' {
		err = fmt.Errorf("%w: missing delimiter", ErrInvalidPatchId)
		return
	}
	timeMs, err = strconv.ParseInt(string(id[:patchIdTimeWidth]), 36, 64)
	if err != nil {
		err = fmt.Errorf("%w: bad time prefix: %s", ErrInvalidPatchId, id[:patchIdTimeWidth])
		return
	}
	if timeMs < 0 {
		err = fmt.Errorf("%w: negative time", ErrInvalidPatchId)
		return
	}
	clientToken = string(id[patchIdTimeWidth+1:])
	return
}

// Time returns the decoded millisecond time component.
func (self PatchId) Time() (int64, error) {
	timeMs, _, err := DecodePatchId(self)
	return timeMs, err
}

func ComparePatchIds(a PatchId, b PatchId) int {
	return strings.Compare(string(a), string(b))
}

// client tokens

const clientTokenBytes = 12

var weakClientTokenWarning sync.Once
var weakClientTokenCounter atomic.Uint64

// NewClientToken returns a new random client token,
// 96 bits from the platform CSPRNG, base64url without padding.
func NewClientToken() string {
	b := make([]byte, clientTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return weakClientToken(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// weakClientToken mixes the clock, a process counter and a non-cryptographic
// generator. Out of contract for cryptographic uses.
func weakClientToken(cause error) string {
	weakClientTokenWarning.Do(func() {
		glog.Warningf("[id]no csprng available, using weak client tokens: %s\n", cause)
	})
	c := weakClientTokenCounter.Add(1)
	b := make([]byte, clientTokenBytes)
	t := nowMs()
	for i := 0; i < 6; i += 1 {
		b[i] = byte(t >> (8 * i))
	}
	b[6] = byte(c)
	b[7] = byte(c >> 8)
	r := mathrand.Uint32()
	for i := 0; i < 4; i += 1 {
		b[8+i] = byte(r >> (8 * i))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
