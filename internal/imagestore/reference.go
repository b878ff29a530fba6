package imagestore

import (
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/opencontainers/go-digest"
)

// DefaultRegistry is assumed for references that name no registry. The
// store is keyed by repository only, so the registry is not part of a key.
const DefaultRegistry = "benchjail.local"

// Reference identifies an image by repository and a tag or digest. When
// both are present the digest wins.
type Reference struct {
	Repository string
	Tag        string
	Digest     digest.Digest
}

// ParseReference parses "repo[:tag]" or "repo@sha256:...".
func ParseReference(s string) (Reference, error) {
	s = strings.TrimSpace(s)
	ref, err := name.ParseReference(s, name.WithDefaultRegistry(DefaultRegistry))
	if err != nil {
		return Reference{}, &Error{Kind: KindInvalidReference, Subject: s, Err: err}
	}
	out := Reference{Repository: ref.Context().RepositoryStr()}
	switch r := ref.(type) {
	case name.Digest:
		d, err := digest.Parse(r.DigestStr())
		if err != nil {
			return Reference{}, &Error{Kind: KindInvalidReference, Subject: s, Err: err}
		}
		out.Digest = d
	case name.Tag:
		out.Tag = r.TagStr()
	}
	return out, nil
}

// Resolved reports whether the reference pins a digest.
func (r Reference) Resolved() bool {
	return r.Digest != ""
}

func (r Reference) String() string {
	if r.Digest != "" {
		return r.Repository + "@" + r.Digest.String()
	}
	tag := r.Tag
	if tag == "" {
		tag = name.DefaultTag
	}
	return r.Repository + ":" + tag
}

// WithDigest returns the reference pinned to d.
func (r Reference) WithDigest(d digest.Digest) Reference {
	r.Digest = d
	return r
}
