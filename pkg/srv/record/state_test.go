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
	"path/filepath"
	"reflect"
	"testing"

	"jinr.ru/greenlab/go-stmux/pkg/config"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.SetFilepath(filepath.Join(t.TempDir(), "config"))
	state, err := NewState(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewState failed: %v", err)
	}
	t.Cleanup(state.Close)
	return state
}

func TestStateSessionsRoundTrip(t *testing.T) {
	t.Parallel()

	state := newTestState(t)

	records := []*SessionRecord{
		{File: "a.stmux", Devices: []string{"sensor0"}, StartedAt: "20260826_100000"},
		{File: "b.stmux", Devices: []string{"sensor0", "sensor1"}, StartedAt: "20260826_110000"},
	}
	for _, record := range records {
		if err := state.AddSession(record); err != nil {
			t.Fatalf("AddSession failed: %v", err)
		}
	}

	got, err := state.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("expected %d sessions, got %d", len(records), len(got))
	}
	// bbolt iterates keys in byte order, StartedAt keys sort chronologically
	for i, record := range records {
		if !reflect.DeepEqual(got[i], record) {
			t.Errorf("session %d: expected %+v, got %+v", i, record, got[i])
		}
	}
}

func TestStateListEmpty(t *testing.T) {
	t.Parallel()

	state := newTestState(t)

	got, err := state.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no sessions, got %d", len(got))
	}
}
