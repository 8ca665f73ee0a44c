package models

import "time"

// DefaultRecordTable is the table used when a job does not name one.
const DefaultRecordTable = "objects"

// SyncRecord is the persisted status of one source object.
type SyncRecord struct {
	SourceID         string       `json:"source_id" gorm:"column:source_id;primaryKey;size:750"`
	TargetID         string       `json:"target_id" gorm:"column:target_id;size:750"`
	IsDirectory      bool         `json:"is_directory" gorm:"column:is_directory;not null;default:false"`
	Size             int64        `json:"size" gorm:"column:size;default:0"`
	Mtime            *time.Time   `json:"mtime" gorm:"column:mtime"`
	Status           ObjectStatus `json:"status" gorm:"column:status;size:32;not null"`
	TransferStart    *time.Time   `json:"transfer_start" gorm:"column:transfer_start"`
	TransferComplete *time.Time   `json:"transfer_complete" gorm:"column:transfer_complete"`
	VerifyStart      *time.Time   `json:"verify_start" gorm:"column:verify_start"`
	VerifyComplete   *time.Time   `json:"verify_complete" gorm:"column:verify_complete"`
	RetryCount       int          `json:"retry_count" gorm:"column:retry_count;default:0"`
	ErrorMessage     string       `json:"error_message" gorm:"column:error_message;type:text"`
	IsSourceDeleted  bool         `json:"is_source_deleted" gorm:"column:is_source_deleted;not null;default:false"`
}

func (SyncRecord) TableName() string {
	return DefaultRecordTable
}
