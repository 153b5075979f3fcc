package txid

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// The epoch offset and keyword are constants baked into the platform's
// client-side derivation. They change across algorithm versions.
const (
	platformEpoch    = 1682924400 // seconds; platform's custom epoch
	derivationSalt   = "obfiowerehiring"
	extraByte        = 3
	animationFrames  = 4
	animationTargets = 16
)

var (
	reVerificationKey = regexp.MustCompile(`<meta\s+name="twitter-site-verification"\s+content="([^"]+)"`)
	reOndemandURL     = regexp.MustCompile(`https://[^"']+/ondemand\.s\.[0-9a-f]+[a-z]?\.js`)
	reKeyByteIndex    = regexp.MustCompile(`\(\w\[(\d{1,2})\],\s*16\)`)
	reAnimFrame       = regexp.MustCompile(`(?s)id="loading-x-anim[^"]*".*?d="([^"]+)"`)
)

func extractOndemandURL(homeHTML string) (string, error) {
	m := reOndemandURL.FindString(homeHTML)
	if m == "" {
		return "", errors.New("ondemand script url not found in home page")
	}
	return m, nil
}

// siteStrategy is the current observed derivation ("handshake v1"): a keyed
// SHA-256 over method, path and a truncated timestamp, mixed with bytes of
// the site verification key selected by indices mined from the ondemand
// script, then XOR-masked and base64-encoded without padding.
type siteStrategy struct {
	keyBytes     []byte
	indices      []int
	animationKey string
}

func newSiteStrategy(homeHTML, scriptJS string) (Strategy, error) {
	km := reVerificationKey.FindStringSubmatch(homeHTML)
	if km == nil {
		return nil, errors.New("site verification key not found in home page")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(km[1])
	if err != nil {
		return nil, fmt.Errorf("decode verification key: %w", err)
	}
	if len(keyBytes) < 16 {
		return nil, fmt.Errorf("verification key too short: %d bytes", len(keyBytes))
	}

	idxMatches := reKeyByteIndex.FindAllStringSubmatch(scriptJS, -1)
	if len(idxMatches) < 2 {
		return nil, errors.New("key byte indices not found in ondemand script")
	}
	indices := make([]int, 0, len(idxMatches))
	for _, m := range idxMatches {
		n, err := strconv.Atoi(m[1])
		if err != nil || n >= len(keyBytes) {
			continue
		}
		indices = append(indices, n)
	}
	if len(indices) < 2 {
		return nil, errors.New("ondemand script indices out of range for key")
	}

	s := &siteStrategy{keyBytes: keyBytes, indices: indices}
	s.animationKey = s.computeAnimationKey(homeHTML)
	return s, nil
}

func (s *siteStrategy) Version() string { return "handshake-v1" }

func (s *siteStrategy) Derive(method, path string, ts time.Time) (string, error) {
	if method == "" || path == "" {
		return "", errors.New("method and path are required")
	}

	elapsed := ts.Unix() - platformEpoch
	if elapsed < 0 {
		return "", fmt.Errorf("timestamp %v precedes platform epoch", ts)
	}
	timeBytes := []byte{
		byte(elapsed),
		byte(elapsed >> 8),
		byte(elapsed >> 16),
		byte(elapsed >> 24),
	}

	payload := strings.Join([]string{
		strings.ToUpper(method),
		path,
		strconv.FormatInt(elapsed, 10),
	}, "!") + derivationSalt + s.animationKey
	digest := sha256.Sum256([]byte(payload))

	raw := make([]byte, 0, len(s.keyBytes)+len(timeBytes)+16+1)
	raw = append(raw, s.keyBytes...)
	raw = append(raw, timeBytes...)
	raw = append(raw, digest[:16]...)
	raw = append(raw, extraByte)

	// One random mask byte per token; the verifier recovers it from the
	// first output byte.
	var mask [1]byte
	if _, err := rand.Read(mask[:]); err != nil {
		return "", err
	}
	out := make([]byte, 0, len(raw)+1)
	out = append(out, mask[0])
	for _, b := range raw {
		out = append(out, b^mask[0])
	}

	return base64.RawStdEncoding.EncodeToString(out), nil
}

// computeAnimationKey reduces the home page's loading animation frames to a
// short hex string. Which frame row and which path points take part is a
// function of the verification key, mirroring the client's frame-time
// selection.
func (s *siteStrategy) computeAnimationKey(homeHTML string) string {
	frames := reAnimFrame.FindAllStringSubmatch(homeHTML, animationFrames)
	if len(frames) == 0 {
		// Older page revisions ship no inline animation; the derivation
		// then runs on the key alone.
		return ""
	}
	row := int(s.keyBytes[5]) % len(frames)
	data := frames[row][1]

	frameTime := (int(s.keyBytes[12])%16 + 1) * (int(s.keyBytes[14])%16 + 1) * (int(s.keyBytes[7])%16 + 1)

	nums := splitPathNumbers(data)
	if len(nums) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < animationTargets; i++ {
		v := nums[(i*frameTime)%len(nums)]
		fmt.Fprintf(&b, "%x", v&0xff)
	}
	return b.String()
}

var rePathNumber = regexp.MustCompile(`-?\d+`)

func splitPathNumbers(d string) []int {
	parts := rePathNumber.FindAllString(d, -1)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		if n < 0 {
			n = -n
		}
		out = append(out, n)
	}
	return out
}
