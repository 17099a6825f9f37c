package formula

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for fingerprint identity. The version suffix enables
// future algorithm migration without colliding with old cache entries.
const (
	domainFormula   = "derive/formula/v1"
	domainContext   = "derive/context/v1"
	domainVariables = "derive/variables/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data). The null separator prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint computes the content identity of a formula's expression text.
// Text is NFC normalized first so visually identical formulas share cache
// identity regardless of the Unicode form the configuration arrived in.
func Fingerprint(expression string) string {
	return hashWithDomain(domainFormula, []byte(norm.NFC.String(expression)))
}

// ContextFingerprint computes the identity of a resolved evaluation context:
// the sorted (name, value) bindings visible to a formula. Alternate-state
// bindings (nil values) contribute their state word so an alternate context
// never collides with a concrete one.
func ContextFingerprint(bindings map[string]Value) string {
	return hashWithDomain(domainContext, canonicalPairs(bindingsAsStrings(bindings)))
}

// VariablesFingerprint computes the identity of a formula's declared
// variable bindings. Identical expression text with different bound
// variables must not collide in the cache, so this is a separate key part.
func VariablesFingerprint(vars map[string]VariableBinding) string {
	pairs := make(map[string]string, len(vars))
	for name, b := range vars {
		switch b.Kind {
		case BindingNumber:
			pairs[name] = "n:" + strconv.FormatFloat(b.Number, 'g', -1, 64)
		case BindingBool:
			pairs[name] = "b:" + strconv.FormatBool(b.Bool)
		case BindingEntity:
			pairs[name] = "e:" + norm.NFC.String(b.Entity)
		case BindingFormula:
			expr := ""
			if b.Formula != nil {
				expr = b.Formula.Expression
			}
			pairs[name] = "f:" + Fingerprint(expr)
		}
	}
	return hashWithDomain(domainVariables, canonicalPairs(pairs))
}

// bindingsAsStrings renders context bindings as stable strings.
func bindingsAsStrings(bindings map[string]Value) map[string]string {
	pairs := make(map[string]string, len(bindings))
	for name, v := range bindings {
		if v == nil {
			pairs[name] = "alt"
			continue
		}
		switch val := v.(type) {
		case Number:
			pairs[name] = "n:" + strconv.FormatFloat(float64(val), 'g', -1, 64)
		case Bool:
			pairs[name] = "b:" + val.String()
		case Text:
			pairs[name] = "s:" + norm.NFC.String(string(val))
		}
	}
	return pairs
}

// canonicalPairs serializes a string map as sorted name=value lines with
// null separators, giving a deterministic byte stream for hashing.
func canonicalPairs(pairs map[string]string) []byte {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []byte
	for _, k := range keys {
		out = append(out, norm.NFC.String(k)...)
		out = append(out, 0x00)
		out = append(out, pairs[k]...)
		out = append(out, 0x00)
	}
	return out
}

// CacheKey is the composite memoization key: formula content hash, resolved
// context fingerprint, and declared-variable fingerprint.
type CacheKey struct {
	FormulaHash   string
	ContextHash   string
	VariablesHash string
}

// String renders the key for logs.
func (k CacheKey) String() string {
	return fmt.Sprintf("%.8s/%.8s/%.8s", k.FormulaHash, k.ContextHash, k.VariablesHash)
}

// KeyFor computes the full cache key for a formula evaluated against the
// given context bindings.
func KeyFor(spec *FormulaSpec, bindings map[string]Value) CacheKey {
	return CacheKey{
		FormulaHash:   Fingerprint(spec.Expression),
		ContextHash:   ContextFingerprint(bindings),
		VariablesHash: VariablesFingerprint(spec.Variables),
	}
}
