package app

import (
	"strings"

	"github.com/spf13/cast"
	"github.com/talkincode/wagate/internal/domain"
	"go.uber.org/zap"
)

// settingDefault prefers the config file value for settings that also exist there.
func (a *Application) settingDefault(schema ConfigSchema) string {
	if a.appConfig == nil {
		return schema.Default
	}
	switch schema.Key {
	case "whatsapp.DefaultCountryCode":
		if cc := strings.TrimSpace(a.appConfig.Whatsapp.DefaultCountryCode); cc != "" {
			return cc
		}
	case "whatsapp.VerifyRecipient":
		return cast.ToString(a.appConfig.Whatsapp.VerifyRecipient)
	}
	return schema.Default
}

func (a *Application) checkSettings() {
	schemas, err := loadConfigSchemas()
	if err != nil {
		zap.L().Error("failed to load config schemas from JSON", zap.Error(err))
		return
	}

	// Iterate over all configuration definitions, checking and initializing missing entries
	for sortid, schema := range schemas {
		// Parse key: "category.name" -> category, name
		parts := strings.SplitN(schema.Key, ".", 2)
		if len(parts) != 2 {
			zap.L().Warn("invalid config key format", zap.String("key", schema.Key))
			continue
		}

		category := parts[0]
		name := parts[1]

		var count int64
		a.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", category, name).
			Count(&count)

		if count == 0 {
			value := a.settingDefault(schema)
			a.gormDB.Create(&domain.SysConfig{
				ID:     0,
				Sort:   sortid,
				Type:   category,
				Name:   name,
				Value:  value,
				Remark: schema.Description,
			})
			zap.L().Info("initialized config",
				zap.String("key", schema.Key),
				zap.String("default", value))
		}
	}
}
