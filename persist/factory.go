package persist

import (
	"fmt"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath)

	case StoreTypeBadger:
		dir, ok := config.Config["dir"].(string)
		if !ok {
			return nil, fmt.Errorf("badger storage requires 'dir' in config")
		}
		return NewBadgerStore(dir)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
