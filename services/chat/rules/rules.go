// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rules loads user-authored markdown rule files and keeps them
// fresh while the server runs. Each *.md file in the rules directory is
// one named rule; edits are picked up without a restart.
package rules

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DefaultRulesDir resolves MITO_RULES_DIR, falling back to
// <home>/.mito/rules.
func DefaultRulesDir() (string, error) {
	if dir := os.Getenv("MITO_RULES_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".mito", "rules"), nil
}

type Store struct {
	mu      sync.RWMutex
	dir     string
	rules   map[string]string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	done    chan struct{}
}

func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create rules dir: %w", err)
	}

	s := &Store{
		dir:    dir,
		rules:  make(map[string]string),
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create rules watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch rules dir: %w", err)
	}
	s.watcher = watcher
	go s.watch()

	logger.Info("Rules store initialized", "dir", dir, "rules", len(s.rules))
	return s, nil
}

func (s *Store) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".md" {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Warn("Rules reload failed", "error", err)
			} else {
				s.logger.Debug("Rules reloaded", "trigger", event.Name, "op", event.Op.String())
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Rules watcher error", "error", err)
		}
	}
}

// reload replaces the rule set wholesale. Individual unreadable files are
// skipped so one broken rule cannot blank out the rest.
func (s *Store) reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read rules dir: %w", err)
	}

	fresh := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
			continue
		}
		content, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.logger.Warn("Skipping unreadable rule file", "file", entry.Name(), "error", err)
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		fresh[name] = strings.TrimSpace(string(content))
	}

	s.mu.Lock()
	s.rules = fresh
	s.mu.Unlock()
	return nil
}

func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.rules))
	for name := range s.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) Rule(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.rules[name]
	return content, ok
}

// Combined renders all rules as one block for the prompt, in stable
// name order.
func (s *Store) Combined() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.rules))
	for name := range s.rules {
		names = append(names, name)
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		if body := s.rules[name]; body != "" {
			parts = append(parts, body)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
