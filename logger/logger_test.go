package logger

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLevels(t *testing.T) {
	l, err := New(Options{Level: "DEBUG", Format: "json"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", l.GetLevel())
	}

	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestNewWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawler.log")
	l, err := New(Options{File: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.WithComponent("test").Info("hello")
}

func TestOrDiscard(t *testing.T) {
	e := OrDiscard(nil, "crawler")
	if e == nil {
		t.Fatal("expected entry")
	}
	if e.Data["component"] != "crawler" {
		t.Errorf("component = %v", e.Data["component"])
	}
	e.Info("dropped")

	own := Discard().WithComponent("x")
	if OrDiscard(own, "y") != own {
		t.Error("existing entry should be returned unchanged")
	}
}
