/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"database/sql"
	"sync"
	"time"

	"github.com/blnkfinance/settlement/config"
	"github.com/blnkfinance/settlement/internal/cache"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Ensure the instance is not accessible outside the package.
var instance *sql.DB
var once sync.Once

// Datasource is the Postgres ledger-of-record. Cache, when set, remembers merchants that exist.
type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

var _ IDataSource = (*Datasource)(nil)

func NewDataSource(conn *sql.DB, c cache.Cache) *Datasource {
	return &Datasource{Conn: conn, Cache: c}
}

// GetDBConnection provides a global access point to the connection pool and opens it on first use.
func GetDBConnection(configuration *config.Configuration) (*sql.DB, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = con
	})
	if err != nil {
		// allow a later call to retry
		once = sync.Once{}
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	err = db.Ping()
	if err != nil {
		logrus.Errorf("database Connection error ❌: %v", err)
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
