package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"
	"unicode"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"

	"golang.org/x/text/unicode/norm"
)

// PrimaryPriority orders identifier types when choosing the primary id.
var PrimaryPriority = []string{
	common.IDTypeEIN,
	common.IDTypeCIK,
	common.IDTypeUEI,
	common.IDTypeFECID,
	common.IDTypeLEI,
	common.IDTypeDUNS,
}

// CanonicalIdentifiers trims the input, drops blank entries and returns the
// canonical type -> canonical value map used for keying.
func CanonicalIdentifiers(identifiers map[string]string) map[string]string {
	out := make(map[string]string, len(identifiers))
	for t, v := range identifiers {
		ct := common.CanonicalIDType(t)
		cv := common.CanonicalIDValue(v)
		if ct == "" || cv == "" {
			continue
		}
		out[ct] = cv
	}
	return out
}

// conflictingTypes returns the sorted canonical types given with more than
// one canonical value, such as "EIN" and "ein" carrying different numbers.
func conflictingTypes(identifiers map[string]string) []string {
	seen := make(map[string]string, len(identifiers))
	var out []string
	for t, v := range identifiers {
		ct := common.CanonicalIDType(t)
		cv := common.CanonicalIDValue(v)
		if ct == "" || cv == "" {
			continue
		}
		if prev, ok := seen[ct]; ok && prev != cv && !slices.Contains(out, ct) {
			out = append(out, ct)
		}
		seen[ct] = cv
	}
	slices.Sort(out)
	return out
}

// ComputeKey returns the hex SHA-256 of the JSON encoding of the canonical
// identifier map. encoding/json writes map keys sorted, so the key does not
// depend on input order.
func ComputeKey(identifiers map[string]string) string {
	canonical := CanonicalIdentifiers(identifiers)
	b, err := json.Marshal(canonical)
	if err != nil {
		// map[string]string always marshals
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// KeyOf regenerates the key of an entity from its stored identifiers.
func KeyOf(e common.CanonicalEntity) string {
	return ComputeKey(e.IdentifierMap())
}

// NormalizeName lower-cases, strips punctuation and joins the remaining
// tokens with underscores: "Acme Corp., Inc." -> "acme_corp_inc".
func NormalizeName(name string) string {
	folded := strings.ToLower(norm.NFKC.String(name))
	tokens := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	return strings.Join(tokens, "_")
}

// NameTokens splits a normalized name into its tokens.
func NameTokens(nameNorm string) []string {
	return strings.FieldsFunc(nameNorm, func(r rune) bool { return r == '_' })
}

// SelectPrimary picks the primary identifier by PrimaryPriority, falling
// back to the lexicographically first type. The rest are returned sorted
// by type. Input values are kept in their trimmed source form.
func SelectPrimary(identifiers map[string]string) (common.Identifier, []common.Identifier) {
	ids := make([]common.Identifier, 0, len(identifiers))
	for t, v := range identifiers {
		ct := common.CanonicalIDType(t)
		tv := strings.TrimSpace(v)
		if ct == "" || common.CanonicalIDValue(tv) == "" {
			continue
		}
		ids = append(ids, common.Identifier{Type: ct, Value: tv})
	}
	if len(ids) == 0 {
		return common.Identifier{}, nil
	}
	slices.SortFunc(ids, func(a, b common.Identifier) int {
		if c := strings.Compare(a.Type, b.Type); c != 0 {
			return c
		}
		return strings.Compare(a.Value, b.Value)
	})
	// one entry per type; spellings of the same value collapse
	ids = slices.CompactFunc(ids, func(a, b common.Identifier) bool { return a.Type == b.Type })

	primaryIdx := 0
	for _, want := range PrimaryPriority {
		if i := slices.IndexFunc(ids, func(id common.Identifier) bool { return id.Type == want }); i >= 0 {
			primaryIdx = i
			break
		}
	}
	primary := ids[primaryIdx]
	alts := slices.Delete(slices.Clone(ids), primaryIdx, primaryIdx+1)
	return primary, alts
}

// sameIdentifierSet reports whether two identifier maps are equal in
// canonical form.
func sameIdentifierSet(a, b map[string]string) bool {
	ca, cb := CanonicalIdentifiers(a), CanonicalIdentifiers(b)
	if len(ca) != len(cb) {
		return false
	}
	for k, v := range ca {
		if cb[k] != v {
			return false
		}
	}
	return true
}
