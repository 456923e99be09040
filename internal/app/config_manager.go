package app

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/talkincode/wagate/internal/domain"
	"go.uber.org/zap"
)

//go:embed config_schemas.json
var configSchemasData []byte

// ConfigSchema describes one runtime setting.
type ConfigSchema struct {
	Key         string `json:"key"`
	Type        string `json:"type"`
	Default     string `json:"default"`
	Description string `json:"description"`
}

type ConfigSchemasJSON struct {
	Schemas []ConfigSchema `json:"schemas"`
}

func loadConfigSchemas() ([]ConfigSchema, error) {
	var data ConfigSchemasJSON
	if err := json.Unmarshal(configSchemasData, &data); err != nil {
		return nil, err
	}
	return data.Schemas, nil
}

// ConfigManager caches sys_config rows and converts them on read.
type ConfigManager struct {
	app     DBProvider
	mu      sync.RWMutex
	values  map[string]string
	schemas map[string]ConfigSchema
}

func NewConfigManager(app DBProvider) *ConfigManager {
	cm := &ConfigManager{
		app:     app,
		values:  make(map[string]string),
		schemas: make(map[string]ConfigSchema),
	}
	schemas, err := loadConfigSchemas()
	if err != nil {
		zap.L().Error("failed to load config schemas from JSON", zap.Error(err))
	}
	for _, s := range schemas {
		cm.schemas[s.Key] = s
	}
	cm.Reload()
	return cm
}

func settingKey(category, name string) string {
	return category + "." + name
}

// Reload refreshes the cache from the database.
func (m *ConfigManager) Reload() {
	var rows []domain.SysConfig
	if err := m.app.DB().Find(&rows).Error; err != nil {
		zap.L().Error("failed to load settings", zap.Error(err))
		return
	}
	values := make(map[string]string, len(rows))
	for _, r := range rows {
		values[settingKey(r.Type, r.Name)] = r.Value
	}
	m.mu.Lock()
	m.values = values
	m.mu.Unlock()
}

// GetString returns the stored value, or the schema default when unset.
func (m *ConfigManager) GetString(category, name string) string {
	key := settingKey(category, name)
	m.mu.RLock()
	v, ok := m.values[key]
	m.mu.RUnlock()
	if ok {
		return v
	}
	return m.schemas[key].Default
}

func (m *ConfigManager) GetInt(category, name string) int {
	return cast.ToInt(m.GetString(category, name))
}

func (m *ConfigManager) GetInt64(category, name string) int64 {
	return cast.ToInt64(m.GetString(category, name))
}

func (m *ConfigManager) GetBool(category, name string) bool {
	return cast.ToBool(m.GetString(category, name))
}

// Setting is a setting as shown to administrators.
type Setting struct {
	Key         string `json:"key"`
	Type        string `json:"type"`
	Value       string `json:"value"`
	Default     string `json:"default"`
	Description string `json:"description"`
}

// All lists every known setting sorted by key.
func (m *ConfigManager) All() []Setting {
	out := make([]Setting, 0, len(m.schemas))
	for key, s := range m.schemas {
		parts := strings.SplitN(key, ".", 2)
		out = append(out, Setting{
			Key:         key,
			Type:        s.Type,
			Value:       m.GetString(parts[0], parts[1]),
			Default:     s.Default,
			Description: s.Description,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func validateSetting(s ConfigSchema, value string) error {
	switch s.Type {
	case "int":
		if _, err := cast.ToInt64E(value); err != nil {
			return fmt.Errorf("%s must be an integer", s.Key)
		}
	case "bool":
		if _, err := cast.ToBoolE(value); err != nil {
			return fmt.Errorf("%s must be a boolean", s.Key)
		}
	}
	return nil
}

// SaveAll validates and stores "category.name" keyed values. Nothing is
// written when any key is unknown or invalid.
func (m *ConfigManager) SaveAll(settings map[string]interface{}) error {
	values := make(map[string]string, len(settings))
	for key, raw := range settings {
		s, ok := m.schemas[key]
		if !ok {
			return fmt.Errorf("unknown setting %s", key)
		}
		value, err := cast.ToStringE(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		value = strings.TrimSpace(value)
		if err := validateSetting(s, value); err != nil {
			return err
		}
		values[key] = value
	}

	db := m.app.DB()
	for key, value := range values {
		parts := strings.SplitN(key, ".", 2)
		res := db.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", parts[0], parts[1]).
			Updates(map[string]interface{}{"value": value, "updated_at": time.Now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			row := domain.SysConfig{
				Type:   parts[0],
				Name:   parts[1],
				Value:  value,
				Remark: m.schemas[key].Description,
			}
			if err := db.Create(&row).Error; err != nil {
				return err
			}
		}
	}
	m.Reload()
	return nil
}
