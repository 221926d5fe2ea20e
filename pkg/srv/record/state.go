/*
 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

     https://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package record

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"
	"sigs.k8s.io/yaml"

	"jinr.ru/greenlab/go-stmux/pkg/config"
)

const SessionsBucket = "sessions"

// SessionRecord describes one persisted capture file.
type SessionRecord struct {
	File      string   `json:"file"`
	Devices   []string `json:"devices"`
	StartedAt string   `json:"startedAt"`
}

type State struct {
	context.Context
	Config *config.Config
	DB     *bolt.DB
}

func NewState(ctx context.Context, cfg *config.Config) (*State, error) {
	db, err := bolt.Open(cfg.StateDBPath(), 0600, nil)
	if err != nil {
		return nil, err
	}
	state := &State{
		Context: ctx,
		Config:  cfg,
		DB:      db,
	}
	if err := state.createBucket(SessionsBucket); err != nil {
		db.Close()
		return nil, err
	}
	return state, nil
}

func (s *State) Close() {
	s.DB.Close()
}

func (s *State) createBucket(name string) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return fmt.Errorf("Error while creating bucket: %s %s", name, err)
		}
		return nil
	})
}

func (s *State) AddSession(record *SessionRecord) error {
	return s.DB.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(SessionsBucket))
		serialized, err := yaml.Marshal(record)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(record.StartedAt), serialized)
	})
}

func (s *State) ListSessions() ([]*SessionRecord, error) {
	var records []*SessionRecord
	err := s.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(SessionsBucket))
		return bucket.ForEach(func(_, v []byte) error {
			record := &SessionRecord{}
			if err := yaml.Unmarshal(v, record); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
