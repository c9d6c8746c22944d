//Package vtbl persists the volume table of a flash image so an image file can
// be re-attached with its volumes intact
package vtbl

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/tarndt/ubiblk/pkg/ubi"
	"github.com/tarndt/ubiblk/pkg/util/consterr"

	"github.com/cockroachdb/pebble"
)

//ErrNotFound is returned when a volume has no table entry
const ErrNotFound = consterr.ConstErr("Volume table entry not found")

const (
	volKeyPrefix = "vol/"
	volKeyEnd    = "vol0" //'0' is the byte after '/'
	geoKey       = "geometry"
)

//Store is a pebble backed volume table
type Store struct {
	dbPath    string
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	closeOnce sync.Once
}

//Open opens (creating if needed) the volume table database at dbPath
func Open(dbPath string) (*Store, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("Could not open volume table database %q: %w", dbPath, err)
	}

	return &Store{
		dbPath:    dbPath,
		db:        db,
		writeOpts: pebble.Sync,
	}, nil
}

func volKey(name string) []byte {
	return []byte(volKeyPrefix + name)
}

//Put adds or replaces the entry for info.Name
func (st *Store) Put(info ubi.VolumeInfo) error {
	if err := info.Validate(int(^uint(0) >> 1)); err != nil {
		return fmt.Errorf("Could not store volume table entry: %w", err)
	}

	rawVal, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("Could not encode volume table entry %q: %w", info.Name, err)
	}
	if err = st.db.Set(volKey(info.Name), rawVal, st.writeOpts); err != nil {
		return fmt.Errorf("Database put of volume %q failed: %w", info.Name, err)
	}
	return nil
}

//Get returns the entry for volume name or ErrNotFound
func (st *Store) Get(name string) (info ubi.VolumeInfo, err error) {
	rawVal, closeVal, err := st.db.Get(volKey(name))
	switch err {
	case pebble.ErrNotFound:
		return info, fmt.Errorf("Could not get volume %q: %w", name, ErrNotFound)
	case nil:
		defer closeVal.Close()
	default:
		return info, fmt.Errorf("Database get of volume %q failed: %w", name, err)
	}

	if err = json.Unmarshal(rawVal, &info); err != nil {
		return info, fmt.Errorf("Could not decode volume table entry %q: %w", name, err)
	}
	return info, nil
}

//Delete removes the entry for volume name, deleting a missing entry is not an error
func (st *Store) Delete(name string) error {
	if err := st.db.Delete(volKey(name), st.writeOpts); err != nil {
		return fmt.Errorf("Database delete of volume %q failed: %w", name, err)
	}
	return nil
}

//List returns all entries ordered by volume ID
func (st *Store) List() ([]ubi.VolumeInfo, error) {
	iter := st.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(volKeyPrefix),
		UpperBound: []byte(volKeyEnd),
	})

	var infos []ubi.VolumeInfo
	for valid := iter.First(); valid; valid = iter.Next() {
		var info ubi.VolumeInfo
		if err := json.Unmarshal(iter.Value(), &info); err != nil {
			iter.Close()
			return nil, fmt.Errorf("Could not decode volume table entry at key %q: %w", iter.Key(), err)
		}
		infos = append(infos, info)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("Database iteration of volume table failed: %w", err)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

//PutGeometry records the geometry the image was formatted with
func (st *Store) PutGeometry(geo ubi.Geometry) error {
	rawVal, err := json.Marshal(geo)
	if err != nil {
		return fmt.Errorf("Could not encode geometry: %w", err)
	}
	if err = st.db.Set([]byte(geoKey), rawVal, st.writeOpts); err != nil {
		return fmt.Errorf("Database put of geometry failed: %w", err)
	}
	return nil
}

//Geometry returns the recorded geometry, found is false for a new table
func (st *Store) Geometry() (geo ubi.Geometry, found bool, err error) {
	rawVal, closeVal, err := st.db.Get([]byte(geoKey))
	switch err {
	case pebble.ErrNotFound:
		return geo, false, nil
	case nil:
		defer closeVal.Close()
	default:
		return geo, false, fmt.Errorf("Database get of geometry failed: %w", err)
	}

	if err = json.Unmarshal(rawVal, &geo); err != nil {
		return geo, false, fmt.Errorf("Could not decode geometry: %w", err)
	}
	return geo, true, nil
}

//Flush persists memtables
func (st *Store) Flush() error {
	return st.db.Flush()
}

//Close the database, closing twice is harmless
func (st *Store) Close() (err error) {
	st.closeOnce.Do(func() {
		if err = st.db.Close(); err != nil {
			err = fmt.Errorf("Could not close volume table database %q: %w", st.dbPath, err)
		}
	})
	return err
}
