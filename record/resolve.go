package record

import imagecache "github.com/wolfeidau/image-cache"

// Resolve picks the artifact in rec that satisfies spec. A source spec
// resolves to the source itself. Otherwise the source and then each variant
// in insertion order is checked for an exact tallest side and extension
// match; the first match wins.
func Resolve(rec *Record, spec imagecache.TransformSpec) (Descriptor, bool) {
	if !rec.Exists() {
		return Descriptor{}, false
	}
	if spec.IsSource() {
		return rec.Source.Descriptor(), true
	}

	candidates := make([]Descriptor, 0, len(rec.Variants)+1)
	candidates = append(candidates, rec.Source.Descriptor())
	for _, v := range rec.Variants {
		candidates = append(candidates, v.Descriptor())
	}

	for _, d := range candidates {
		if d.TallestSide() == spec.TallestSide && d.Extension == string(spec.Extension) {
			return d, true
		}
	}
	return Descriptor{}, false
}
