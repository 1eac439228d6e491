package db

import (
	"strings"
	"testing"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name       string
		user       string
		host       string
		port       int
		database   string
		wantPrefix string
	}{
		{
			name:       "default local",
			user:       "root",
			host:       "127.0.0.1",
			port:       3306,
			database:   "mercado",
			wantPrefix: "root@tcp(127.0.0.1:3306)/mercado?",
		},
		{
			name:       "custom user and port",
			user:       "journal",
			host:       "10.0.0.5",
			port:       3307,
			database:   "mercado_eu",
			wantPrefix: "journal@tcp(10.0.0.5:3307)/mercado_eu?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.user, tt.host, tt.port, tt.database)
			if !strings.HasPrefix(got, tt.wantPrefix) {
				t.Errorf("DSN() = %q, want prefix %q", got, tt.wantPrefix)
			}
			if !strings.Contains(got, "parseTime=true") {
				t.Errorf("DSN missing parseTime=true: %s", got)
			}
		})
	}
}

func TestNormalizeMySQLDSN_AddsParseTime(t *testing.T) {
	got, err := NormalizeMySQLDSN("root@tcp(db:3306)/mercado")
	if err != nil {
		t.Fatalf("NormalizeMySQLDSN: %v", err)
	}
	if !strings.Contains(got, "parseTime=true") {
		t.Errorf("normalized DSN missing parseTime: %s", got)
	}
	if !strings.Contains(got, "/mercado") {
		t.Errorf("normalized DSN lost database: %s", got)
	}
}

func TestNormalizeMySQLDSN_RejectsGarbage(t *testing.T) {
	if _, err := NormalizeMySQLDSN("not a dsn"); err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("postgres", "x")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "unknown driver") {
		t.Errorf("error = %q", err)
	}
}

func TestOpen_MySQLRejectsBadDSN(t *testing.T) {
	if _, err := Open(DriverMySQL, "not a dsn"); err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}

func TestCreateDatabase_RequiresName(t *testing.T) {
	err := CreateDatabase("root@tcp(127.0.0.1:3306)/")
	if err == nil || !strings.Contains(err.Error(), "no database name") {
		t.Fatalf("err = %v, want missing name", err)
	}
}

func TestOpenSQLite_AutoMigrate(t *testing.T) {
	gdb, err := Open(DriverSQLite, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer Close(gdb)

	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, m := range AllModels() {
		if !gdb.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
}

func TestAllModels_Count(t *testing.T) {
	if got := len(AllModels()); got != 4 {
		t.Errorf("AllModels() returned %d models, want 4", got)
	}
}
