package bindle

// Label is the metadata of a stored parcel. A parcel's identity is its SHA256;
// the bytes at rest must hash to the declared value.
type Label struct {
	SHA256      string        `toml:"sha256" json:"sha256"`
	MediaType   string        `toml:"mediaType" json:"mediaType"`
	Name        string        `toml:"name,omitempty" json:"name,omitempty"`
	Size        uint64        `toml:"size" json:"size"`
	Origin      string        `toml:"origin,omitempty" json:"origin,omitempty"`
	SHA512      string        `toml:"sha512,omitempty" json:"sha512,omitempty"`
	Annotations AnnotationMap `toml:"annotations,omitempty" json:"annotations,omitempty"`
	Feature     FeatureMap    `toml:"feature,omitempty" json:"feature,omitempty"`
}

// DefaultMediaType is used when a label does not declare one.
const DefaultMediaType = "application/octet-stream"

// NewLabel returns a label for the given name and content hash with the
// default media type.
func NewLabel(name, sha256 string, size uint64) Label {
	return Label{
		SHA256:    sha256,
		MediaType: DefaultMediaType,
		Name:      name,
		Size:      size,
	}
}
