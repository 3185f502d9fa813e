package sink

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/JakeFAU/mongodb-sink/internal/config"
)

// Transformed is a write-ready document paired with the names of the
// fields whose values must be routed through the large-object store.
type Transformed struct {
	Doc        bson.D
	GridFields map[string]struct{}
}

// transformItem serializes an item into a BSON document and determines
// its grid field set. It is a pure function of the item and the
// configuration.
//
// A field routes to large-object storage when its metadata carries the
// configured tag flag, or when a size threshold is configured and the
// serialized value's estimated size exceeds it. The routing decision is
// made before empty-field filtering, so a tagged field that is later
// dropped still appears in the grid field set; only fields present in
// the document are actually uploaded.
func transformItem(it *Item, cfg config.Config) Transformed {
	out := Transformed{
		Doc:        make(bson.D, 0, it.Len()),
		GridFields: make(map[string]struct{}),
	}

	for _, f := range it.Fields() {
		value := f.Value
		if f.Serialize != nil {
			value = f.Serialize(value)
		}

		if f.Meta[cfg.GridFSFieldTag] {
			out.GridFields[f.Name] = struct{}{}
		}
		if cfg.GridFSThresholdBytes > 0 && estimateSize(value) > cfg.GridFSThresholdBytes {
			out.GridFields[f.Name] = struct{}{}
		}

		// Null and empty-string values are dropped from the item entirely.
		if value == nil {
			continue
		}
		if s, ok := value.(string); ok && s == "" {
			continue
		}

		out.Doc = append(out.Doc, bson.E{Key: f.Name, Value: value})
	}

	return out
}
