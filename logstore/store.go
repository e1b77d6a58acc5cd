// Copyright (C) 2025 anomaly-sentinel contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package logstore

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"anomaly-sentinel/anomaly"
	sentinelerrors "anomaly-sentinel/errors"
)

// memoryCapacity bounds each in-memory ring.
const memoryCapacity = 1000

const (
	allReadingsFile = "all_readings.csv"
	anomaliesFile   = "anomalies.csv"
)

var allReadingsHeader = []string{
	"timestamp", "sensor_id", "sensor_type", "value", "unit",
	"mean", "std_dev", "z_score", "threshold", "is_anomaly", "severity",
}

var anomaliesHeader = []string{
	"timestamp", "sensor_id", "sensor_type", "value", "unit",
	"mean", "std_dev", "z_score", "threshold", "severity", "message",
}

// Entry is one logged evaluation. The detector result is flattened into the
// JSON form, with the reading's identity fields carried alongside.
type Entry struct {
	anomaly.Result
	SensorID string    `json:"sensor_id,omitempty"`
	Unit     string    `json:"unit,omitempty"`
	LoggedAt time.Time `json:"logged_at"`
}

// FilePaths names the two CSV files on disk.
type FilePaths struct {
	AllData   string `json:"all_data"`
	Anomalies string `json:"anomalies"`
}

// Stats summarises the in-memory rings for the stats endpoint.
type Stats struct {
	TotalReadingsInMemory  int       `json:"total_readings_in_memory"`
	TotalAnomaliesInMemory int       `json:"total_anomalies_in_memory"`
	AnomalyRate            float64   `json:"anomaly_rate"`
	LogFiles               FilePaths `json:"log_files"`
}

// Store keeps the two most recent-N rings in memory and appends every
// evaluation to CSV files on disk. File writes happen under the store mutex
// and are flushed per row so a crash loses at most the row in flight.
type Store struct {
	mu            sync.Mutex
	paths         FilePaths
	allFile       *os.File
	anomalyFile   *os.File
	allWriter     *csv.Writer
	anomalyWriter *csv.Writer
	recent        []Entry
	anomalies     []Entry
}

// New opens (or creates) the CSV files under dir. Headers are written only
// when a file is created fresh, so restarts keep appending to existing logs.
func New(dir string) (*Store, error) {
	const op = "logstore.New"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, sentinelerrors.UnavailableErrorf(op, err, "create log directory %s", dir)
	}

	s := &Store{
		paths: FilePaths{
			AllData:   filepath.Join(dir, allReadingsFile),
			Anomalies: filepath.Join(dir, anomaliesFile),
		},
	}

	var err error
	s.allFile, s.allWriter, err = openCSV(s.paths.AllData, allReadingsHeader)
	if err != nil {
		return nil, sentinelerrors.UnavailableError(op, err)
	}
	s.anomalyFile, s.anomalyWriter, err = openCSV(s.paths.Anomalies, anomaliesHeader)
	if err != nil {
		s.allFile.Close()
		return nil, sentinelerrors.UnavailableError(op, err)
	}

	return s, nil
}

// openCSV opens path for appending and writes the header when the file is new.
func openCSV(path string, header []string) (*os.File, *csv.Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}

	w := csv.NewWriter(f)

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if stat.Size() == 0 {
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, nil, err
		}
	}

	return f, w, nil
}

// Log records one evaluation. The rings are always updated; a file-write
// failure is reported back so the caller can log it, but never undoes the
// in-memory append.
func (s *Store) Log(reading anomaly.Reading, result anomaly.Result) error {
	const op = "logstore.Log"

	entry := Entry{
		Result:   result,
		SensorID: reading.SensorID,
		Unit:     reading.Unit,
		LoggedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent = append(s.recent, entry)
	if len(s.recent) > memoryCapacity {
		s.recent = s.recent[len(s.recent)-memoryCapacity:]
	}
	if result.IsAnomaly {
		s.anomalies = append(s.anomalies, entry)
		if len(s.anomalies) > memoryCapacity {
			s.anomalies = s.anomalies[len(s.anomalies)-memoryCapacity:]
		}
	}

	if err := s.writeAllLocked(reading, result); err != nil {
		return sentinelerrors.UnavailableError(op, err)
	}
	if result.IsAnomaly {
		if err := s.writeAnomalyLocked(reading, result); err != nil {
			return sentinelerrors.UnavailableError(op, err)
		}
	}
	return nil
}

func (s *Store) writeAllLocked(reading anomaly.Reading, result anomaly.Result) error {
	row := []string{
		result.Timestamp.Format(time.RFC3339),
		reading.SensorID,
		result.SensorType,
		formatFloat(result.CurrentValue),
		reading.Unit,
		formatFloat(result.Mean),
		formatFloat(result.StdDev),
		formatFloat(result.ZScore),
		formatFloat(result.Threshold),
		strconv.FormatBool(result.IsAnomaly),
		string(result.Severity),
	}
	if err := s.allWriter.Write(row); err != nil {
		return err
	}
	s.allWriter.Flush()
	return s.allWriter.Error()
}

func (s *Store) writeAnomalyLocked(reading anomaly.Reading, result anomaly.Result) error {
	row := []string{
		result.Timestamp.Format(time.RFC3339),
		reading.SensorID,
		result.SensorType,
		formatFloat(result.CurrentValue),
		reading.Unit,
		formatFloat(result.Mean),
		formatFloat(result.StdDev),
		formatFloat(result.ZScore),
		formatFloat(result.Threshold),
		string(result.Severity),
		result.Message,
	}
	if err := s.anomalyWriter.Write(row); err != nil {
		return err
	}
	s.anomalyWriter.Flush()
	return s.anomalyWriter.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Recent returns the last n entries, oldest first.
func (s *Store) Recent(n int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tail(s.recent, n)
}

// Anomalies returns the last n anomalous entries, oldest first.
func (s *Store) Anomalies(n int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tail(s.anomalies, n)
}

func tail(entries []Entry, n int) []Entry {
	if n <= 0 || n > len(entries) {
		n = len(entries)
	}
	out := make([]Entry, n)
	copy(out, entries[len(entries)-n:])
	return out
}

// LogStats reports ring totals, the anomaly rate in percent, and file paths.
func (s *Store) LogStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		TotalReadingsInMemory:  len(s.recent),
		TotalAnomaliesInMemory: len(s.anomalies),
		LogFiles:               s.paths,
	}
	if st.TotalReadingsInMemory > 0 {
		st.AnomalyRate = float64(st.TotalAnomaliesInMemory) / float64(st.TotalReadingsInMemory) * 100
	}
	return st
}

// ClearMemory empties both rings. The CSV files are untouched.
func (s *Store) ClearMemory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = nil
	s.anomalies = nil
}

// Close flushes and closes both CSV files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.allWriter.Flush()
	s.anomalyWriter.Flush()

	errAll := s.allFile.Close()
	errAnomaly := s.anomalyFile.Close()
	if errAll != nil {
		return errAll
	}
	return errAnomaly
}
