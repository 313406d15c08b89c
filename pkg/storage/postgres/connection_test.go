package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tally/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func TestParseReplicaURLs(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: nil,
		},
		{
			name:     "single URL",
			input:    "postgres://localhost:5432/tally",
			expected: []string{"postgres://localhost:5432/tally"},
		},
		{
			name:  "multiple URLs",
			input: "postgres://host1:5432/tally,postgres://host2:5432/tally,postgres://host3:5432/tally",
			expected: []string{
				"postgres://host1:5432/tally",
				"postgres://host2:5432/tally",
				"postgres://host3:5432/tally",
			},
		},
		{
			name:  "URLs with whitespace",
			input: " postgres://host1:5432/tally , postgres://host2:5432/tally ",
			expected: []string{
				"postgres://host1:5432/tally",
				"postgres://host2:5432/tally",
			},
		},
		{
			name:     "URLs with empty entries",
			input:    "postgres://host1:5432/tally,,postgres://host2:5432/tally,",
			expected: []string{"postgres://host1:5432/tally", "postgres://host2:5432/tally"},
		},
		{
			name:     "only commas and whitespace",
			input:    " , , , ",
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseReplicaURLs(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestNewConnectionManager_InvalidWriter(t *testing.T) {
	t.Run("invalid writer URL", func(t *testing.T) {
		config := ConnectionConfig{
			WriterURL:   "invalid://badurl",
			MaxConns:    10,
			MinConns:    2,
			Timeout:     5 * time.Second,
			MaxLifetime: 1 * time.Hour,
			MaxIdleTime: 10 * time.Minute,
		}

		cm, err := NewConnectionManager(config, testLogger())
		assert.Error(t, err)
		assert.Nil(t, cm)
		assert.True(t, strings.Contains(err.Error(), "failed to open writer connection") ||
			strings.Contains(err.Error(), "failed to ping writer"))
	})

	t.Run("unreachable writer", func(t *testing.T) {
		config := ConnectionConfig{
			WriterURL:   "postgres://nonexistent:9999/tally?connect_timeout=1",
			MaxConns:    10,
			MinConns:    2,
			Timeout:     2 * time.Second,
			MaxLifetime: 1 * time.Hour,
			MaxIdleTime: 10 * time.Minute,
		}

		cm, err := NewConnectionManager(config, testLogger())
		assert.Error(t, err)
		assert.Nil(t, cm)
		assert.Contains(t, err.Error(), "failed to ping writer")
	})
}

func TestConnectionManager_Writer(t *testing.T) {
	cm := &ConnectionManager{
		writer: &sql.DB{},
		logger: testLogger(),
	}

	writer := cm.Writer()
	assert.NotNil(t, writer)
	assert.Equal(t, cm.writer, writer)
}

func TestConnectionManager_Reader(t *testing.T) {
	t.Run("no replicas - fallback to writer", func(t *testing.T) {
		writerDB := &sql.DB{}
		cm := &ConnectionManager{
			writer:   writerDB,
			replicas: []*sql.DB{},
			logger:   testLogger(),
		}

		reader := cm.Reader()
		assert.Equal(t, writerDB, reader, "should return writer when no replicas")
	})

	t.Run("single replica", func(t *testing.T) {
		writerDB := &sql.DB{}
		replicaDB := &sql.DB{}
		cm := &ConnectionManager{
			writer:   writerDB,
			replicas: []*sql.DB{replicaDB},
			logger:   testLogger(),
		}

		reader := cm.Reader()
		assert.Equal(t, replicaDB, reader)
	})

	t.Run("round-robin selection with multiple replicas", func(t *testing.T) {
		replica1 := &sql.DB{}
		replica2 := &sql.DB{}
		replica3 := &sql.DB{}

		cm := &ConnectionManager{
			writer:   &sql.DB{},
			replicas: []*sql.DB{replica1, replica2, replica3},
			logger:   testLogger(),
		}

		selections := make(map[*sql.DB]int)
		iterations := 30

		for i := 0; i < iterations; i++ {
			selections[cm.Reader()]++
		}

		assert.Equal(t, 10, selections[replica1])
		assert.Equal(t, 10, selections[replica2])
		assert.Equal(t, 10, selections[replica3])
	})

	t.Run("concurrent reader selection", func(t *testing.T) {
		replica1 := &sql.DB{}
		replica2 := &sql.DB{}

		cm := &ConnectionManager{
			writer:   &sql.DB{},
			replicas: []*sql.DB{replica1, replica2},
			logger:   testLogger(),
		}

		var wg sync.WaitGroup
		iterations := 100
		results := make(chan *sql.DB, iterations)

		for i := 0; i < iterations; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- cm.Reader()
			}()
		}

		wg.Wait()
		close(results)

		selections := make(map[*sql.DB]int)
		for reader := range results {
			selections[reader]++
		}

		assert.NotZero(t, selections[replica1])
		assert.NotZero(t, selections[replica2])
		assert.Equal(t, iterations, selections[replica1]+selections[replica2])
	})
}

func TestConnectionManager_AllReplicas(t *testing.T) {
	t.Run("no replicas", func(t *testing.T) {
		cm := &ConnectionManager{
			writer:   &sql.DB{},
			replicas: []*sql.DB{},
			logger:   testLogger(),
		}

		assert.Empty(t, cm.AllReplicas())
	})

	t.Run("returns copy not reference", func(t *testing.T) {
		replica1 := &sql.DB{}
		cm := &ConnectionManager{
			writer:   &sql.DB{},
			replicas: []*sql.DB{replica1},
			logger:   testLogger(),
		}

		replicas1 := cm.AllReplicas()
		replicas2 := cm.AllReplicas()

		replicas1[0] = &sql.DB{}

		assert.Equal(t, replica1, replicas2[0])
	})
}

func TestConnectionManager_HealthCheck(t *testing.T) {
	t.Run("healthy writer and replicas", func(t *testing.T) {
		writerDB, writerMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer writerDB.Close()

		replicaDB, replicaMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer replicaDB.Close()

		writerMock.ExpectPing()
		replicaMock.ExpectPing()

		cm := &ConnectionManager{
			writer:   writerDB,
			replicas: []*sql.DB{replicaDB},
			logger:   testLogger(),
		}

		err = cm.HealthCheck(context.Background())
		assert.NoError(t, err)

		assert.NoError(t, writerMock.ExpectationsWereMet())
		assert.NoError(t, replicaMock.ExpectationsWereMet())
	})

	t.Run("unhealthy writer", func(t *testing.T) {
		writerDB, writerMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer writerDB.Close()

		writerMock.ExpectPing().WillReturnError(errors.New("connection refused"))

		cm := &ConnectionManager{
			writer:   writerDB,
			replicas: []*sql.DB{},
			logger:   testLogger(),
		}

		err = cm.HealthCheck(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "writer unhealthy")
	})

	t.Run("some unhealthy replicas is degraded but not fatal", func(t *testing.T) {
		writerDB, writerMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer writerDB.Close()

		replica1DB, replica1Mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer replica1DB.Close()

		replica2DB, replica2Mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer replica2DB.Close()

		writerMock.ExpectPing()
		replica1Mock.ExpectPing()
		replica2Mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		cm := &ConnectionManager{
			writer:   writerDB,
			replicas: []*sql.DB{replica1DB, replica2DB},
			logger:   testLogger(),
		}

		err = cm.HealthCheck(context.Background())
		assert.NoError(t, err)
	})

	t.Run("all replicas unhealthy", func(t *testing.T) {
		writerDB, writerMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer writerDB.Close()

		replica1DB, replica1Mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer replica1DB.Close()

		replica2DB, replica2Mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer replica2DB.Close()

		writerMock.ExpectPing()
		replica1Mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		replica2Mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		cm := &ConnectionManager{
			writer:   writerDB,
			replicas: []*sql.DB{replica1DB, replica2DB},
			logger:   testLogger(),
		}

		err = cm.HealthCheck(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "all replicas unhealthy")
	})
}

func TestConnectionManager_Stats(t *testing.T) {
	writerDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer writerDB.Close()

	replicaDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer replicaDB.Close()

	cm := &ConnectionManager{
		writer:   writerDB,
		replicas: []*sql.DB{replicaDB},
		logger:   testLogger(),
	}

	stats := cm.Stats()
	assert.NotNil(t, stats.Writer)
	assert.Len(t, stats.Replicas, 1)
}

func TestConnectionManager_RemoveUnhealthyReplicas(t *testing.T) {
	t.Run("all replicas healthy", func(t *testing.T) {
		replicaDB, replicaMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer replicaDB.Close()

		replicaMock.ExpectPing()

		cm := &ConnectionManager{
			writer:   &sql.DB{},
			replicas: []*sql.DB{replicaDB},
			logger:   testLogger(),
		}

		removed := cm.RemoveUnhealthyReplicas(context.Background())
		assert.Equal(t, 0, removed)
		assert.Len(t, cm.replicas, 1)
	})

	t.Run("one replica unhealthy", func(t *testing.T) {
		replica1DB, replica1Mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer replica1DB.Close()

		replica2DB, replica2Mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer replica2DB.Close()

		replica1Mock.ExpectPing()
		replica2Mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		replica2Mock.ExpectClose()

		cm := &ConnectionManager{
			writer:   &sql.DB{},
			replicas: []*sql.DB{replica1DB, replica2DB},
			logger:   testLogger(),
		}

		removed := cm.RemoveUnhealthyReplicas(context.Background())
		assert.Equal(t, 1, removed)
		assert.Len(t, cm.replicas, 1)
		assert.Equal(t, replica1DB, cm.replicas[0])
	})
}

func TestConnectionManager_AddReplica(t *testing.T) {
	t.Run("unreachable replica", func(t *testing.T) {
		cm := &ConnectionManager{
			writer:   &sql.DB{},
			replicas: []*sql.DB{},
			logger:   testLogger(),
			config: ConnectionConfig{
				MaxConns:    10,
				MinConns:    2,
				Timeout:     1 * time.Second,
				MaxLifetime: 1 * time.Hour,
				MaxIdleTime: 10 * time.Minute,
			},
		}

		err := cm.AddReplica("postgres://nonexistent:9999/tally?connect_timeout=1")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to ping replica")
	})
}

func TestConnectionManager_Close(t *testing.T) {
	t.Run("close writer and replicas", func(t *testing.T) {
		writerDB, writerMock, err := sqlmock.New()
		require.NoError(t, err)

		replicaDB, replicaMock, err := sqlmock.New()
		require.NoError(t, err)

		writerMock.ExpectClose()
		replicaMock.ExpectClose()

		cm := &ConnectionManager{
			writer:   writerDB,
			replicas: []*sql.DB{replicaDB},
			logger:   testLogger(),
		}

		err = cm.Close()
		assert.NoError(t, err)
		assert.Nil(t, cm.replicas)
		assert.NoError(t, writerMock.ExpectationsWereMet())
		assert.NoError(t, replicaMock.ExpectationsWereMet())
	})

	t.Run("close with errors", func(t *testing.T) {
		writerDB, writerMock, err := sqlmock.New()
		require.NoError(t, err)

		writerMock.ExpectClose().WillReturnError(errors.New("writer close error"))

		cm := &ConnectionManager{
			writer:   writerDB,
			replicas: []*sql.DB{},
			logger:   testLogger(),
		}

		err = cm.Close()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "connection close errors")
	})
}

func TestConnectionManager_StartHealthCheckRoutine(t *testing.T) {
	t.Run("routine removes unhealthy replicas", func(t *testing.T) {
		replicaDB, replicaMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer replicaDB.Close()

		replicaMock.ExpectPing().WillReturnError(errors.New("connection lost"))
		replicaMock.ExpectClose()

		cm := &ConnectionManager{
			writer:   &sql.DB{},
			replicas: []*sql.DB{replicaDB},
			logger:   testLogger(),
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		cm.StartHealthCheckRoutine(ctx, 50*time.Millisecond)

		time.Sleep(150 * time.Millisecond)
		cancel()
		time.Sleep(50 * time.Millisecond)

		cm.mu.RLock()
		replicaCount := len(cm.replicas)
		cm.mu.RUnlock()

		assert.Equal(t, 0, replicaCount, "unhealthy replica should have been removed")
	})

	t.Run("routine stops on context cancellation", func(t *testing.T) {
		cm := &ConnectionManager{
			writer:   &sql.DB{},
			replicas: []*sql.DB{},
			logger:   testLogger(),
		}

		ctx, cancel := context.WithCancel(context.Background())
		cm.StartHealthCheckRoutine(ctx, 1*time.Second)
		cancel()

		time.Sleep(50 * time.Millisecond)
	})
}
