package directory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"schoolops/internal/model"
)

// Seed is the YAML fixture format for the in-memory directory.
type Seed struct {
	Users []struct {
		ID      string   `yaml:"id"`
		Role    string   `yaml:"role"`
		Name    string   `yaml:"name"`
		ClassID string   `yaml:"class_id"`
		Cards   []string `yaml:"cards"`
	} `yaml:"users"`
	Classes    map[string]string `yaml:"classes"`
	Subjects   map[string]string `yaml:"subjects"`
	Classrooms map[string]string `yaml:"classrooms"`
	Semesters  map[string]string `yaml:"semesters"`
}

// Memory is a mutable in-process Directory used in dev mode and tests.
type Memory struct {
	mu    sync.RWMutex
	users map[string]model.Profile
	cards map[string]string
	names map[Kind]map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		users: map[string]model.Profile{},
		cards: map[string]string{},
		names: map[Kind]map[string]string{
			KindClass:     {},
			KindSubject:   {},
			KindClassroom: {},
			KindSemester:  {},
		},
	}
}

// LoadSeedFile builds a Memory directory from a YAML file.
func LoadSeedFile(path string) (*Memory, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory seed: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(buf, &seed); err != nil {
		return nil, fmt.Errorf("parse directory seed: %w", err)
	}
	m := NewMemory()
	for _, u := range seed.Users {
		m.PutUser(model.Profile{UserID: u.ID, Role: model.Role(u.Role), DisplayName: u.Name, ClassID: u.ClassID})
		for _, c := range u.Cards {
			m.PutCard(c, u.ID)
		}
	}
	for kind, entries := range map[Kind]map[string]string{
		KindClass:     seed.Classes,
		KindSubject:   seed.Subjects,
		KindClassroom: seed.Classrooms,
		KindSemester:  seed.Semesters,
	} {
		for id, name := range entries {
			m.PutName(kind, id, name)
		}
	}
	return m, nil
}

func (m *Memory) PutUser(p model.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[p.UserID] = p
}

func (m *Memory) PutCard(cardUID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cards[cardUID] = userID
}

// PutName registers or renames a catalog entity.
func (m *Memory) PutName(kind Kind, id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[kind][id] = name
}

func (m *Memory) ResolveIdentity(_ context.Context, token string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.cards[token]; ok {
		return id, nil
	}
	if _, ok := m.users[token]; ok {
		return token, nil
	}
	return "", fmt.Errorf("token %q: %w", token, model.ErrIdentityNotFound)
}

func (m *Memory) Profile(_ context.Context, userID string) (model.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.users[userID]
	if !ok {
		return model.Profile{}, fmt.Errorf("user %q: %w", userID, model.ErrNotFound)
	}
	return p, nil
}

func (m *Memory) StudentsOf(_ context.Context, classID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, p := range m.users {
		if p.Role == model.RoleStudent && p.ClassID == classID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) DetachClass(_ context.Context, classID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, p := range m.users {
		if p.Role == model.RoleStudent && p.ClassID == classID {
			p.ClassID = ""
			m.users[id] = p
			n++
		}
	}
	return n, nil
}

func (m *Memory) Name(_ context.Context, kind Kind, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kind == KindTeacher {
		if p, ok := m.users[id]; ok && p.Role == model.RoleTeacher {
			return p.DisplayName, nil
		}
		return "", fmt.Errorf("%s %q: %w", kind, id, model.ErrNotFound)
	}
	names, ok := m.names[kind]
	if !ok {
		return "", fmt.Errorf("%w: unknown kind %q", model.ErrInvalidArgument, kind)
	}
	name, ok := names[id]
	if !ok {
		return "", fmt.Errorf("%s %q: %w", kind, id, model.ErrNotFound)
	}
	return name, nil
}
