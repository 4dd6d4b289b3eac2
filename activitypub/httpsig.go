package activitypub

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SignatureAlgorithm is the identifier embedded in outgoing signature
// parameter blocks.
const SignatureAlgorithm = "rsa-sha256"

// signedHeaders is the fixed header set covered by outgoing signatures.
var signedHeaders = []string{"(request-target)", "host", "date", "digest"}

// signatureHashes maps supported algorithm identifiers to their hash.
// Verification of anything not listed here fails closed.
var signatureHashes = map[string]crypto.Hash{
	SignatureAlgorithm: crypto.SHA256,
}

// Verdict is the outcome of signature verification. Any failure is a
// verdict, never a panic or an error escaping to the caller, so callers
// cannot accidentally fail open.
type Verdict int

const (
	Valid Verdict = iota
	Malformed
	MissingHeader
	DigestMismatch
	UnsupportedAlgorithm
	Mismatch
)

func (v Verdict) Ok() bool {
	return v == Valid
}

func (v Verdict) String() string {
	switch v {
	case Valid:
		return "valid"
	case Malformed:
		return "malformed signature header"
	case MissingHeader:
		return "missing signed header"
	case DigestMismatch:
		return "digest mismatch"
	case UnsupportedAlgorithm:
		return "unsupported algorithm"
	case Mismatch:
		return "signature mismatch"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// SignatureParams is the parsed content of a Signature header.
type SignatureParams struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
}

// ParseSignatureHeader parses the comma-separated k="v" parameter block
// of a Signature header. Anything that does not scan cleanly, or that
// lacks keyId, algorithm, headers or signature, is Malformed.
func ParseSignatureHeader(header string) (*SignatureParams, Verdict) {
	params := make(map[string]string)
	rest := header
	for {
		rest = strings.TrimSpace(rest)
		if rest == "" {
			break
		}
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			return nil, Malformed
		}
		key := strings.TrimSpace(rest[:eq])
		rest = rest[eq+1:]
		if len(rest) < 2 || rest[0] != '"' {
			return nil, Malformed
		}
		end := strings.IndexByte(rest[1:], '"')
		if end < 0 {
			return nil, Malformed
		}
		value := rest[1 : 1+end]
		rest = strings.TrimSpace(rest[end+2:])
		if rest != "" {
			if rest[0] != ',' {
				return nil, Malformed
			}
			rest = rest[1:]
		}
		if _, dup := params[key]; dup {
			return nil, Malformed
		}
		params[key] = value
	}

	keyID := params["keyId"]
	algorithm := params["algorithm"]
	headerList := params["headers"]
	signature := params["signature"]
	if keyID == "" || algorithm == "" || headerList == "" || signature == "" {
		return nil, Malformed
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return nil, Malformed
	}

	return &SignatureParams{
		KeyID:     keyID,
		Algorithm: algorithm,
		Headers:   strings.Fields(headerList),
		Signature: sig,
	}, Valid
}

// SigningString assembles the canonical byte sequence covered by a
// signature: the (request-target) pseudo-header renders as
// "(request-target): <lowercased method> <path[?query]>", every other
// name as "<lowercased name>: <value>", newline-joined with no trailing
// newline, in exactly the order the sender declared.
func SigningString(method, requestURI string, headers http.Header, signed []string) (string, Verdict) {
	var b strings.Builder
	for i, name := range signed {
		if i > 0 {
			b.WriteByte('\n')
		}
		name = strings.ToLower(name)
		if name == "(request-target)" {
			b.WriteString("(request-target): ")
			b.WriteString(strings.ToLower(method))
			b.WriteByte(' ')
			b.WriteString(requestURI)
			continue
		}
		values := headers.Values(name)
		if len(values) == 0 {
			return "", MissingHeader
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(strings.Join(values, ", "))
	}
	return b.String(), Valid
}

// Digest computes the body digest header value: the SHA-256 hash of the
// raw body, base64-encoded and prefixed with the algorithm tag.
func Digest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

func digestMatches(declared string, body []byte) bool {
	algo, value, found := strings.Cut(declared, "=")
	if !found || !strings.EqualFold(algo, "SHA-256") {
		return false
	}
	hash := sha256.Sum256(body)
	return value == base64.StdEncoding.EncodeToString(hash[:])
}

// Sign signs the canonical string with RSASSA-PKCS1-v1_5 over SHA-256.
func Sign(signingString string, key *rsa.PrivateKey) ([]byte, error) {
	hash := sha256.Sum256([]byte(signingString))
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hash[:])
}

// VerifySig reports whether sig is a valid signature over the canonical
// string under the given public key.
func VerifySig(signingString string, sig []byte, key *rsa.PublicKey) bool {
	hash := sha256.Sum256([]byte(signingString))
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, hash[:], sig) == nil
}

// SignRequest signs an outgoing HTTP request with the given private key.
// Sets Date, Host and Digest, then attaches the Signature header over
// the fixed header set.
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, body []byte, privateKey *rsa.PrivateKey, keyId string) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", Digest(body))

	signingString, v := SigningString(req.Method, req.URL.RequestURI(), req.Header, signedHeaders)
	if !v.Ok() {
		return fmt.Errorf("failed to build signing string: %s", v)
	}

	sig, err := Sign(signingString, privateKey)
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set("Signature", fmt.Sprintf(
		`keyId="%s",algorithm="%s",headers="%s",signature="%s"`,
		keyId,
		SignatureAlgorithm,
		strings.Join(signedHeaders, " "),
		base64.StdEncoding.EncodeToString(sig),
	))
	return nil
}

// VerifyRequest verifies the signature on an incoming request against
// the sender's public key. The returned keyId is set whenever the
// Signature header parsed, regardless of verdict, so callers can log
// which key failed. Fails closed on every malformed input.
func VerifyRequest(method, requestURI string, headers http.Header, body []byte, publicKey *rsa.PublicKey) (string, Verdict) {
	params, v := ParseSignatureHeader(headers.Get("Signature"))
	if !v.Ok() {
		return "", v
	}

	if _, ok := signatureHashes[params.Algorithm]; !ok {
		return params.KeyID, UnsupportedAlgorithm
	}

	declared := headers.Get("Digest")
	if declared == "" {
		return params.KeyID, MissingHeader
	}
	if !digestMatches(declared, body) {
		return params.KeyID, DigestMismatch
	}

	// The digest header must itself be covered by the signature, or the
	// body check proves nothing about the signer.
	digestSigned := false
	for _, name := range params.Headers {
		if strings.EqualFold(name, "digest") {
			digestSigned = true
			break
		}
	}
	if !digestSigned {
		return params.KeyID, MissingHeader
	}

	signingString, v := SigningString(method, requestURI, headers, params.Headers)
	if !v.Ok() {
		return params.KeyID, v
	}

	if !VerifySig(signingString, params.Signature, publicKey) {
		return params.KeyID, Mismatch
	}
	return params.KeyID, Valid
}

// ParsePrivateKey converts a PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey converts a PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
