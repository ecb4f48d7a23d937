package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Machine struct {
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

type CompletedWorkflow struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	MachineID   uuid.UUID `gorm:"type:uuid;not null;index"`
	Template    string    `gorm:"type:text;not null"`
	State       string    `gorm:"type:text;not null"`
	Snapshot    string    `gorm:"type:text;not null"`
	CompletedAt time.Time `gorm:"type:timestamptz;not null;default:now();index"`
	Machine     Machine   `gorm:"foreignKey:MachineID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type TemplateTiming struct {
	TemplateName string         `gorm:"type:text;primaryKey"`
	ActionName   string         `gorm:"type:text;primaryKey"`
	Durations    datatypes.JSON `gorm:"type:jsonb;not null"`
	UpdatedAt    time.Time      `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Setting struct {
	ID             int64     `gorm:"type:bigint;primaryKey"`
	DefaultOS      string    `gorm:"type:text"`
	SetupCompleted bool      `gorm:"type:boolean;not null;default:false"`
	CreatedAt      time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt      time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type ConfirmToken struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	MachineID uuid.UUID `gorm:"type:uuid;not null;index"`
	Field     string    `gorm:"type:text;not null"`
	NewValue  string    `gorm:"type:text;not null"`
	Token     string    `gorm:"type:text;uniqueIndex;not null"`
	ExpiresAt time.Time `gorm:"type:timestamptz;not null"`
	Used      bool      `gorm:"type:boolean;not null;default:false"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Machine   Machine   `gorm:"foreignKey:MachineID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Machine{},
		&CompletedWorkflow{},
		&TemplateTiming{},
		&Setting{},
		&ConfirmToken{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&CompletedWorkflow{}, "Machine"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&ConfirmToken{}, "Machine"); err != nil {
		return err
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).Migrator().DropTable(
		&ConfirmToken{},
		&Setting{},
		&TemplateTiming{},
		&CompletedWorkflow{},
		&Machine{},
	); err != nil {
		return err
	}

	return nil
}
