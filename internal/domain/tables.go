package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	&SysOprLog{},
	// WhatsApp
	&WhatsAppSession{},
	&MessageLog{},
}
