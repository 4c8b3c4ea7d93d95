package models

import (
	"log"

	"bitbucket.org/mmdatafocus/qbsync_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&QbCredential{},
		&SyncJob{}, &SyncEntityJob{},
		&QbSyncLog{},
		&SyncProgressEvent{},
		&QbCustomer{}, &QbVendor{}, &QbAccount{},
		&QbInvoice{}, &QbPayment{}, &QbBill{},
		&QbCompanyInfo{}, &QbClass{}, &QbDepartment{}, &QbItem{}, &QbEmployee{},
		&InvoiceReconciliation{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
