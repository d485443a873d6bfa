package main

import (
	"testing"

	"github.com/lalithlochan/courier/internal/config"
)

func TestDSNFromConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{
			"with password",
			config.Config{DBHost: "db", DBPort: 5432, DBUser: "courier", DBPassword: "p@ss", DBName: "courier", DBSSLMode: "disable"},
			"postgres://courier:p%40ss@db:5432/courier?sslmode=disable",
		},
		{
			"without password",
			config.Config{DBHost: "localhost", DBPort: 5433, DBUser: "app", DBName: "msgs", DBSSLMode: "require"},
			"postgres://app@localhost:5433/msgs?sslmode=require",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dsnFromConfig(&tt.cfg); got != tt.want {
				t.Errorf("dsn = %q, want %q", got, tt.want)
			}
		})
	}
}
