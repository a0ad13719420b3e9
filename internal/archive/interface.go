// Package archive persists report snapshots outside the primary database so
// history survives a database rebuild.
package archive

// Archiver defines the contract for snapshot archival.
type Archiver interface {
	Store(name string, data []byte) error
	Retrieve(name string) ([]byte, error)
	List(prefix string) ([]string, error)
	Delete(name string) error
}
