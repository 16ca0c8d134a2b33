package ratecache

import (
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/jdziat/taxsync/pkg/security"
)

// KeyPrefix is the namespace of every rate entry in the cache store.
const KeyPrefix = "rate:"

// Jurisdiction scopes a tax rate: a state plus optional county, city and zip.
type Jurisdiction struct {
	State  string `json:"state"`
	County string `json:"county,omitempty"`
	City   string `json:"city,omitempty"`
	Zip    string `json:"zip,omitempty"`
}

// Normalize returns the jurisdiction with an upper-case state and lower-case
// sub-jurisdiction segments.
func (j Jurisdiction) Normalize() (Jurisdiction, error) {
	state, err := security.NormalizeState(j.State)
	if err != nil {
		return Jurisdiction{}, err
	}
	out := Jurisdiction{State: state}
	for _, f := range []struct {
		in  string
		out *string
	}{
		{j.County, &out.County},
		{j.City, &out.City},
		{j.Zip, &out.Zip},
	} {
		seg, err := security.NormalizeSegment(f.in)
		if err != nil {
			return Jurisdiction{}, err
		}
		*f.out = seg
	}
	return out, nil
}

// Key returns rate:{STATE}:{county}:{city}:{zip}. Empty segments keep their
// position so that patterns stay unambiguous.
func (j Jurisdiction) Key() (string, error) {
	n, err := j.Normalize()
	if err != nil {
		return "", err
	}
	return KeyPrefix + strings.Join([]string{n.State, n.County, n.City, n.Zip}, ":"), nil
}

// String is the key form, or the raw state when the jurisdiction is invalid.
func (j Jurisdiction) String() string {
	k, err := j.Key()
	if err != nil {
		return j.State
	}
	return k
}

// Label is the most specific named segment (zip, city, then county),
// normalized. It is empty for a state-wide jurisdiction. Audit entries
// record jurisdictions in this form.
func (j Jurisdiction) Label() string {
	n, err := j.Normalize()
	if err != nil {
		return ""
	}
	switch {
	case n.Zip != "":
		return n.Zip
	case n.City != "":
		return n.City
	default:
		return n.County
	}
}

// ParseKey is the inverse of Key.
func ParseKey(key string) (Jurisdiction, error) {
	rest, ok := strings.CutPrefix(key, KeyPrefix)
	if !ok {
		return Jurisdiction{}, errors.Newf("key %q is not a rate key", key)
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 4 {
		return Jurisdiction{}, errors.Newf("key %q: want 4 segments, got %d", key, len(parts))
	}
	return Jurisdiction{State: parts[0], County: parts[1], City: parts[2], Zip: parts[3]}.Normalize()
}

// StatePattern matches every entry of a state.
func StatePattern(state string) (string, error) {
	s, err := security.NormalizeState(state)
	if err != nil {
		return "", err
	}
	return KeyPrefix + s + ":*", nil
}

// JurisdictionPatterns returns the patterns matching a sub-jurisdiction of a
// state in any position (county, city or zip).
func JurisdictionPatterns(state, jurisdiction string) ([]string, error) {
	s, err := security.NormalizeState(state)
	if err != nil {
		return nil, err
	}
	seg, err := security.NormalizeSegment(jurisdiction)
	if err != nil {
		return nil, err
	}
	if seg == "" {
		p, err := StatePattern(s)
		if err != nil {
			return nil, err
		}
		return []string{p}, nil
	}
	base := KeyPrefix + s + ":"
	return []string{
		base + seg + ":*:*",
		base + "*:" + seg + ":*",
		base + "*:*:" + seg,
	}, nil
}
