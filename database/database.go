package database

import (
	"github.com/tidwall/buntdb"
)

type Database struct {
	path string
	db   *buntdb.DB
}

func NewDatabase(path string) (*Database, error) {
	var err error
	d := &Database{
		path: path,
	}

	d.db, err = buntdb.Open(path)
	if err != nil {
		return nil, err
	}

	d.jobsInit()

	d.db.Shrink()
	return d, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Flush() {
	d.db.Shrink()
}

func (d *Database) genIndex(table_name string, key string) string {
	return table_name + ":" + key
}
