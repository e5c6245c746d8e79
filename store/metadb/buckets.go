package metadb

// Bucket names for bbolt storage.
var (
	bucketArtifacts = []byte("artifacts") // key -> ArtifactEntry JSON
)
