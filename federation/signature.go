package federation

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-fed/httpsig"
)

const (
	// SignatureAlgorithm is the only scheme accepted on this protocol version.
	SignatureAlgorithm = "ed25519"
	signedHeaders      = "(request-target) host date digest"
	keyFragment        = "#main-key"
	digestPrefix       = "SHA-256="
)

var signedHeaderNames = []string{httpsig.RequestTarget, "host", "date", "digest"}

// SignatureParams is a parsed Signature header.
type SignatureParams struct {
	KeyID     string
	Algorithm string
	Headers   string
	Signature []byte
}

// Signer returns the actor URI the key id belongs to.
func (p *SignatureParams) Signer() string {
	signer, _, _ := strings.Cut(p.KeyID, "#")
	return signer
}

// KeyID returns the key id published for an actor.
func KeyID(actorURI string) string {
	return actorURI + keyFragment
}

// Digest returns base64(SHA-256(body)).
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func requestHost(req *http.Request) string {
	if req.Host != "" {
		return req.Host
	}
	return req.URL.Host
}

// shadowRequest carries the request line of req and a copy of header, with Host made explicit
// so the host line of the signing string comes from the connection and not from the sender.
func shadowRequest(req *http.Request, header http.Header) *http.Request {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	host := requestHost(req)
	h.Set("Host", host)
	return &http.Request{Method: req.Method, URL: req.URL, Host: host, Header: h}
}

// sign computes Date, Digest and Signature for the request line of req and writes them into dst.
func sign(key ed25519.PrivateKey, signerURI string, req *http.Request, dst http.Header, body []byte, now time.Time) error {
	if len(key) != ed25519.PrivateKeySize {
		return errors.New("signature: invalid private key")
	}
	if body == nil {
		body = []byte{}
	}
	signer, _, err := httpsig.NewSigner([]httpsig.Algorithm{httpsig.ED25519}, httpsig.DigestSha256, signedHeaderNames, httpsig.Signature, 0)
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}

	shadow := shadowRequest(req, nil)
	shadow.Header.Set("Date", now.UTC().Format(http.TimeFormat))
	if err := signer.SignRequest(key, KeyID(signerURI), shadow, body); err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	for _, name := range []string{"Date", "Digest", "Signature"} {
		dst.Set(name, shadow.Header.Get(name))
	}
	return nil
}

// Sign signs req on behalf of signerURI and sets the Date, Digest and Signature headers.
// body must be the exact bytes sent as the request body.
func Sign(key ed25519.PrivateKey, signerURI string, req *http.Request, body []byte, now time.Time) error {
	return sign(key, signerURI, req, req.Header, body, now)
}

// SignResponse signs a response body served for req, writing the headers into header.
// The request-target is the one the client asked for, so the signature binds the page to its URL.
func SignResponse(key ed25519.PrivateKey, signerURI string, req *http.Request, header http.Header, body []byte, now time.Time) error {
	return sign(key, signerURI, req, header, body, now)
}

// ParseSignatureHeader parses `key="value"` pairs separated by commas.
func ParseSignatureHeader(value string) (*SignatureParams, error) {
	fields := map[string]string{}
	rest := strings.TrimSpace(value)
	for rest != "" {
		name, after, ok := strings.Cut(rest, "=")
		if !ok {
			return nil, malformed("expected key=value")
		}
		name = strings.TrimSpace(name)
		if !strings.HasPrefix(after, `"`) {
			return nil, malformed(fmt.Sprintf("value of %s is not quoted", name))
		}
		val, remainder, ok := strings.Cut(after[1:], `"`)
		if !ok {
			return nil, malformed(fmt.Sprintf("unterminated value of %s", name))
		}
		if _, dup := fields[name]; dup {
			return nil, malformed(fmt.Sprintf("duplicate %s", name))
		}
		fields[name] = val

		remainder = strings.TrimSpace(remainder)
		if remainder != "" && !strings.HasPrefix(remainder, ",") {
			return nil, malformed("expected comma between parameters")
		}
		rest = strings.TrimSpace(strings.TrimPrefix(remainder, ","))
	}

	params := &SignatureParams{
		KeyID:     fields["keyId"],
		Algorithm: fields["algorithm"],
		Headers:   fields["headers"],
	}
	if params.KeyID == "" {
		return nil, malformed("missing keyId")
	}
	if fields["signature"] == "" {
		return nil, malformed("missing signature")
	}
	sig, err := base64.StdEncoding.DecodeString(fields["signature"])
	if err != nil {
		return nil, &SignatureError{Reason: "signature is not base64", Malformed: true, Err: err}
	}
	params.Signature = sig
	return params, nil
}

// Verifier checks signatures against keys obtained from the Resolver.
type Verifier struct {
	// MaxSkew bounds how far the Date header may be from now. Zero disables the check.
	MaxSkew time.Duration
	Clock   clock.Clock
}

// NewVerifier returns a verifier with a real clock.
func NewVerifier(maxSkew time.Duration) *Verifier {
	return &Verifier{MaxSkew: maxSkew, Clock: clock.New()}
}

var defaultVerifier = NewVerifier(0)

// Verify checks req with the package default verifier (no date window).
func Verify(req *http.Request, body []byte, pub ed25519.PublicKey) error {
	return defaultVerifier.Verify(req, body, pub)
}

// Verified is the boolean form of Verify.
func Verified(req *http.Request, body []byte, pub ed25519.PublicKey) bool {
	return Verify(req, body, pub) == nil
}

// Verify checks the signature of req against pub. It fails closed on any missing header or
// digest mismatch.
func (v *Verifier) Verify(req *http.Request, body []byte, pub ed25519.PublicKey) error {
	return v.check(req, req.Header, body, pub)
}

// VerifyResponse checks a response signed with SignResponse for req.
func (v *Verifier) VerifyResponse(req *http.Request, header http.Header, body []byte, pub ed25519.PublicKey) error {
	return v.check(req, header, body, pub)
}

// SignatureHeaderOf parses the Signature header of h.
func SignatureHeaderOf(h http.Header) (*SignatureParams, error) {
	value := h.Get("Signature")
	if value == "" {
		return nil, malformed("missing Signature header")
	}
	return ParseSignatureHeader(value)
}

func (v *Verifier) check(req *http.Request, h http.Header, body []byte, pub ed25519.PublicKey) error {
	params, err := SignatureHeaderOf(h)
	if err != nil {
		return err
	}
	if params.Algorithm != SignatureAlgorithm {
		return invalid(fmt.Sprintf("unsupported algorithm %q", params.Algorithm), nil)
	}
	if params.Headers != signedHeaders {
		return malformed(fmt.Sprintf("unsupported header list %q", params.Headers))
	}
	if requestHost(req) == "" {
		return malformed("missing Host header")
	}
	date := h.Get("Date")
	if date == "" {
		return malformed("missing Date header")
	}
	digestHeader := h.Get("Digest")
	if digestHeader == "" {
		return malformed("missing Digest header")
	}

	signedAt, err := http.ParseTime(date)
	if err != nil {
		return &SignatureError{Reason: "unparsable Date header", Malformed: true, Err: err}
	}
	if v.MaxSkew > 0 {
		now := v.now()
		if signedAt.Before(now.Add(-v.MaxSkew)) || signedAt.After(now.Add(v.MaxSkew)) {
			return invalid("date outside allowed window", nil)
		}
	}

	digest, ok := strings.CutPrefix(digestHeader, digestPrefix)
	if !ok {
		return invalid("digest algorithm is not SHA-256", nil)
	}
	if digest != Digest(body) {
		return invalid("digest does not match body", nil)
	}
	if len(pub) != ed25519.PublicKeySize {
		return invalid("invalid public key", nil)
	}

	verifier, err := httpsig.NewVerifier(shadowRequest(req, h))
	if err != nil {
		return &SignatureError{Reason: "unreadable Signature header", Malformed: true, Err: err}
	}
	if err := verifier.Verify(pub, httpsig.ED25519); err != nil {
		return invalid("signature does not verify", err)
	}
	return nil
}

func (v *Verifier) now() time.Time {
	if v.Clock == nil {
		return time.Now()
	}
	return v.Clock.Now()
}

// DecodePublicKey decodes a base64 raw Ed25519 public key as published in entities.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode public key: want %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// EncodePublicKey encodes pub for publication in a User or InstanceMetadata entity.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}
