package models

import (
	"log"

	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) {
	err := db.AutoMigrate(
		&Organization{},
		&EamConnection{}, &EamEndpoint{},
		&RawBatch{}, &RawRecord{},
		&WriteQueueItem{}, &SyncConflict{}, &SyncLog{},
		&IngestJob{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
