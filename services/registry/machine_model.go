package registry

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type machineModel struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey"`
	MAC           string            `gorm:"type:text;uniqueIndex;not null"`
	IP            string            `gorm:"type:text"`
	Hostname      string            `gorm:"type:text"`
	MemorableName string            `gorm:"type:text"`
	Status        string            `gorm:"type:text;not null;index"`
	StatusReason  string            `gorm:"type:text"`
	OSChoice      string            `gorm:"type:text"`
	OSInstalled   string            `gorm:"type:text"`
	Facts         datatypes.JSONMap `gorm:"type:jsonb"`
	Disks         datatypes.JSON    `gorm:"type:jsonb"`
	Nameservers   datatypes.JSON    `gorm:"type:jsonb"`
	Tags          datatypes.JSON    `gorm:"type:jsonb"`
	BMC           datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt     time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt     time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (machineModel) TableName() string { return "machines" }

func (m machineModel) toAPI() Machine {
	return Machine{
		ID:            m.ID,
		MAC:           m.MAC,
		IP:            m.IP,
		Hostname:      m.Hostname,
		MemorableName: m.MemorableName,
		Status:        Status(m.Status),
		StatusReason:  m.StatusReason,
		OSChoice:      m.OSChoice,
		OSInstalled:   m.OSInstalled,
		Facts:         mapFromJSONMap(m.Facts),
		Disks:         disksFromJSON(m.Disks),
		Nameservers:   stringsFromJSON(m.Nameservers),
		Tags:          stringsFromJSON(m.Tags),
		BMC:           bmcFromJSONMap(m.BMC),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

type completedWorkflowModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	MachineID   uuid.UUID `gorm:"type:uuid;not null;index"`
	Template    string    `gorm:"type:text;not null"`
	State       string    `gorm:"type:text;not null"`
	Snapshot    string    `gorm:"type:text;not null"`
	CompletedAt time.Time `gorm:"type:timestamptz;not null;default:now();index"`
}

func (completedWorkflowModel) TableName() string { return "completed_workflows" }

type settingModel struct {
	ID             int64     `gorm:"type:bigint;primaryKey"`
	DefaultOS      string    `gorm:"type:text"`
	SetupCompleted bool      `gorm:"type:boolean;not null;default:false"`
	CreatedAt      time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt      time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (settingModel) TableName() string { return "settings" }

type confirmTokenModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	MachineID uuid.UUID `gorm:"type:uuid;not null;index"`
	Field     string    `gorm:"type:text;not null"`
	NewValue  string    `gorm:"type:text;not null"`
	Token     string    `gorm:"type:text;uniqueIndex;not null"`
	ExpiresAt time.Time `gorm:"type:timestamptz;not null"`
	Used      bool      `gorm:"type:boolean;not null;default:false"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (confirmTokenModel) TableName() string { return "confirm_tokens" }

func mapFromJSONMap(src datatypes.JSONMap) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func toJSONMap(src map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	if src == nil {
		return out
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

func stringsFromJSON(src datatypes.JSON) []string {
	if len(src) == 0 {
		return nil
	}
	var values []string
	if err := json.Unmarshal(src, &values); err != nil {
		return nil
	}
	return values
}

func stringsToJSON(values []string) datatypes.JSON {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(raw)
}

func disksFromJSON(src datatypes.JSON) []Disk {
	if len(src) == 0 {
		return nil
	}
	var disks []Disk
	if err := json.Unmarshal(src, &disks); err != nil {
		return nil
	}
	return disks
}

func disksToJSON(disks []Disk) datatypes.JSON {
	if disks == nil {
		disks = []Disk{}
	}
	raw, err := json.Marshal(disks)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(raw)
}

func bmcFromJSONMap(src datatypes.JSONMap) *BMCConfig {
	if len(src) == 0 {
		return nil
	}
	raw, err := json.Marshal(map[string]any(src))
	if err != nil {
		return nil
	}
	var bmc BMCConfig
	if err := json.Unmarshal(raw, &bmc); err != nil {
		return nil
	}
	if bmc.Kind == "" && bmc.Address == "" {
		return nil
	}
	return &bmc
}

func bmcToJSONMap(bmc *BMCConfig) datatypes.JSONMap {
	if bmc == nil {
		return datatypes.JSONMap{}
	}
	return datatypes.JSONMap{
		"kind":     bmc.Kind,
		"address":  bmc.Address,
		"username": bmc.Username,
		"password": bmc.Password,
	}
}
