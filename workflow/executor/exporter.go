package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// KeyExporter is the default Exporter: it derives a deterministic object key
// for each artifact version without writing to external storage. Deployments
// that ship artifacts to an object store provide their own Exporter; the key
// layout here matches what such a store would use.
type KeyExporter struct {
	// Prefix is the bucket or root the keys are anchored under.
	Prefix string
}

// Export returns the object key for the artifact version.
func (x KeyExporter) Export(_ context.Context, projectID, artifactID uuid.UUID, version int, _ json.RawMessage) (string, error) {
	return fmt.Sprintf("%s/%s/%s/v%d.json", x.Prefix, projectID, artifactID, version), nil
}
