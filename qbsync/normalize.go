package qbsync

import (
	"encoding/json"
	"errors"
	"strings"

	"bitbucket.org/mmdatafocus/qbsync_backend/models"
	"bitbucket.org/mmdatafocus/qbsync_backend/utils"
)

// EntityRow is implemented by every normalized gorm model; the key is the
// idempotent upsert/delete identity (realm_id, qb_id).
type EntityRow interface {
	EntityKey() (realmId string, qbId string)
}

var errMissingId = errors.New("entity id missing")

type qbRef struct {
	Value string `json:"value"`
	Name  string `json:"name"`
}

type qbEmail struct {
	Address string `json:"Address"`
}

type qbPhone struct {
	FreeFormNumber string `json:"FreeFormNumber"`
}

type qbMetaData struct {
	CreateTime      string `json:"CreateTime"`
	LastUpdatedTime string `json:"LastUpdatedTime"`
}

type qbNamePayload struct {
	Id                 string      `json:"Id"`
	SyncToken          string      `json:"SyncToken"`
	Name               string      `json:"Name"`
	FullyQualifiedName string      `json:"FullyQualifiedName"`
	DisplayName        string      `json:"DisplayName"`
	GivenName          string      `json:"GivenName"`
	FamilyName         string      `json:"FamilyName"`
	CompanyName        string      `json:"CompanyName"`
	PrimaryEmailAddr   *qbEmail    `json:"PrimaryEmailAddr"`
	PrimaryPhone       *qbPhone    `json:"PrimaryPhone"`
	Balance            json.Number `json:"Balance"`
	Active             *bool       `json:"Active"`
	MetaData           qbMetaData  `json:"MetaData"`
}

type qbAccountPayload struct {
	Id             string      `json:"Id"`
	SyncToken      string      `json:"SyncToken"`
	Name           string      `json:"Name"`
	AccountType    string      `json:"AccountType"`
	AccountSubType string      `json:"AccountSubType"`
	Classification string      `json:"Classification"`
	CurrentBalance json.Number `json:"CurrentBalance"`
	Active         *bool       `json:"Active"`
	MetaData       qbMetaData  `json:"MetaData"`
}

type qbTxnPayload struct {
	Id           string      `json:"Id"`
	SyncToken    string      `json:"SyncToken"`
	DocNumber    string      `json:"DocNumber"`
	TxnDate      string      `json:"TxnDate"`
	DueDate      string      `json:"DueDate"`
	TotalAmt     json.Number `json:"TotalAmt"`
	Balance      json.Number `json:"Balance"`
	UnappliedAmt json.Number `json:"UnappliedAmt"`
	PrivateNote  string      `json:"PrivateNote"`
	CustomerRef  *qbRef      `json:"CustomerRef"`
	VendorRef    *qbRef      `json:"VendorRef"`
	MetaData     qbMetaData  `json:"MetaData"`
}

type qbCompanyPayload struct {
	Id          string     `json:"Id"`
	SyncToken   string     `json:"SyncToken"`
	CompanyName string     `json:"CompanyName"`
	LegalName   string     `json:"LegalName"`
	Country     string     `json:"Country"`
	Email       *qbEmail   `json:"Email"`
	MetaData    qbMetaData `json:"MetaData"`
}

type qbItemPayload struct {
	Id        string      `json:"Id"`
	SyncToken string      `json:"SyncToken"`
	Name      string      `json:"Name"`
	Type      string      `json:"Type"`
	UnitPrice json.Number `json:"UnitPrice"`
	Active    *bool       `json:"Active"`
	MetaData  qbMetaData  `json:"MetaData"`
}

func activeOrDefault(active *bool) bool {
	if active == nil {
		return true
	}
	return *active
}

func refValue(ref *qbRef) string {
	if ref == nil {
		return ""
	}
	return strings.TrimSpace(ref.Value)
}

func emailAddress(email *qbEmail) string {
	if email == nil {
		return ""
	}
	return strings.TrimSpace(email.Address)
}

func phoneNumber(phone *qbPhone) string {
	if phone == nil {
		return ""
	}
	return strings.TrimSpace(phone.FreeFormNumber)
}

// PrepareEntity converts one raw QuickBooks entity payload into its local
// storage row. It is pure over the supported entity set; unsupported entity
// types return (nil, nil) so CDC feeds carrying extra types never abort a
// run. Numeric and date fields are parsed defensively: missing means zero or
// nil, never an error.
func PrepareEntity(raw json.RawMessage, entityType string, realmId string) (EntityRow, error) {
	switch entityType {
	case models.EntityTypeCustomer:
		var p qbNamePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Id) == "" {
			return nil, errMissingId
		}
		return &models.QbCustomer{
			RealmId:     realmId,
			QbId:        strings.TrimSpace(p.Id),
			SyncToken:   p.SyncToken,
			DisplayName: strings.TrimSpace(p.DisplayName),
			CompanyName: strings.TrimSpace(p.CompanyName),
			Email:       emailAddress(p.PrimaryEmailAddr),
			Phone:       phoneNumber(p.PrimaryPhone),
			Balance:     utils.DecimalFromNumber(p.Balance),
			Active:      activeOrDefault(p.Active),
			QbCreatedAt: utils.ParseTimePtr(p.MetaData.CreateTime),
			QbUpdatedAt: utils.ParseTimePtr(p.MetaData.LastUpdatedTime),
		}, nil

	case models.EntityTypeVendor:
		var p qbNamePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Id) == "" {
			return nil, errMissingId
		}
		return &models.QbVendor{
			RealmId:     realmId,
			QbId:        strings.TrimSpace(p.Id),
			SyncToken:   p.SyncToken,
			DisplayName: strings.TrimSpace(p.DisplayName),
			CompanyName: strings.TrimSpace(p.CompanyName),
			Email:       emailAddress(p.PrimaryEmailAddr),
			Phone:       phoneNumber(p.PrimaryPhone),
			Balance:     utils.DecimalFromNumber(p.Balance),
			Active:      activeOrDefault(p.Active),
			QbUpdatedAt: utils.ParseTimePtr(p.MetaData.LastUpdatedTime),
		}, nil

	case models.EntityTypeAccount:
		var p qbAccountPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Id) == "" {
			return nil, errMissingId
		}
		return &models.QbAccount{
			RealmId:        realmId,
			QbId:           strings.TrimSpace(p.Id),
			SyncToken:      p.SyncToken,
			Name:           strings.TrimSpace(p.Name),
			AccountType:    p.AccountType,
			AccountSubType: p.AccountSubType,
			Classification: p.Classification,
			CurrentBalance: utils.DecimalFromNumber(p.CurrentBalance),
			Active:         activeOrDefault(p.Active),
			QbUpdatedAt:    utils.ParseTimePtr(p.MetaData.LastUpdatedTime),
		}, nil

	case models.EntityTypeInvoice:
		var p qbTxnPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Id) == "" {
			return nil, errMissingId
		}
		return &models.QbInvoice{
			RealmId:      realmId,
			QbId:         strings.TrimSpace(p.Id),
			SyncToken:    p.SyncToken,
			DocNumber:    strings.TrimSpace(p.DocNumber),
			CustomerQbId: refValue(p.CustomerRef),
			TxnDate:      utils.ParseTimePtr(p.TxnDate),
			DueDate:      utils.ParseTimePtr(p.DueDate),
			TotalAmt:     utils.DecimalFromNumber(p.TotalAmt),
			Balance:      utils.DecimalFromNumber(p.Balance),
			PrivateNote:  p.PrivateNote,
			QbUpdatedAt:  utils.ParseTimePtr(p.MetaData.LastUpdatedTime),
		}, nil

	case models.EntityTypePayment:
		var p qbTxnPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Id) == "" {
			return nil, errMissingId
		}
		return &models.QbPayment{
			RealmId:      realmId,
			QbId:         strings.TrimSpace(p.Id),
			SyncToken:    p.SyncToken,
			CustomerQbId: refValue(p.CustomerRef),
			TxnDate:      utils.ParseTimePtr(p.TxnDate),
			TotalAmt:     utils.DecimalFromNumber(p.TotalAmt),
			UnappliedAmt: utils.DecimalFromNumber(p.UnappliedAmt),
			QbUpdatedAt:  utils.ParseTimePtr(p.MetaData.LastUpdatedTime),
		}, nil

	case models.EntityTypeBill:
		var p qbTxnPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Id) == "" {
			return nil, errMissingId
		}
		return &models.QbBill{
			RealmId:     realmId,
			QbId:        strings.TrimSpace(p.Id),
			SyncToken:   p.SyncToken,
			VendorQbId:  refValue(p.VendorRef),
			TxnDate:     utils.ParseTimePtr(p.TxnDate),
			DueDate:     utils.ParseTimePtr(p.DueDate),
			TotalAmt:    utils.DecimalFromNumber(p.TotalAmt),
			Balance:     utils.DecimalFromNumber(p.Balance),
			QbUpdatedAt: utils.ParseTimePtr(p.MetaData.LastUpdatedTime),
		}, nil

	case models.EntityTypeCompanyInfo:
		var p qbCompanyPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Id) == "" {
			return nil, errMissingId
		}
		return &models.QbCompanyInfo{
			RealmId:     realmId,
			QbId:        strings.TrimSpace(p.Id),
			SyncToken:   p.SyncToken,
			CompanyName: strings.TrimSpace(p.CompanyName),
			LegalName:   strings.TrimSpace(p.LegalName),
			Country:     p.Country,
			Email:       emailAddress(p.Email),
			QbUpdatedAt: utils.ParseTimePtr(p.MetaData.LastUpdatedTime),
		}, nil

	case models.EntityTypeClass:
		var p qbNamePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Id) == "" {
			return nil, errMissingId
		}
		return &models.QbClass{
			RealmId:            realmId,
			QbId:               strings.TrimSpace(p.Id),
			SyncToken:          p.SyncToken,
			Name:               strings.TrimSpace(p.Name),
			FullyQualifiedName: strings.TrimSpace(p.FullyQualifiedName),
			Active:             activeOrDefault(p.Active),
			QbUpdatedAt:        utils.ParseTimePtr(p.MetaData.LastUpdatedTime),
		}, nil

	case models.EntityTypeDepartment:
		var p qbNamePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Id) == "" {
			return nil, errMissingId
		}
		return &models.QbDepartment{
			RealmId:            realmId,
			QbId:               strings.TrimSpace(p.Id),
			SyncToken:          p.SyncToken,
			Name:               strings.TrimSpace(p.Name),
			FullyQualifiedName: strings.TrimSpace(p.FullyQualifiedName),
			Active:             activeOrDefault(p.Active),
			QbUpdatedAt:        utils.ParseTimePtr(p.MetaData.LastUpdatedTime),
		}, nil

	case models.EntityTypeItem:
		var p qbItemPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Id) == "" {
			return nil, errMissingId
		}
		return &models.QbItem{
			RealmId:     realmId,
			QbId:        strings.TrimSpace(p.Id),
			SyncToken:   p.SyncToken,
			Name:        strings.TrimSpace(p.Name),
			Type:        p.Type,
			UnitPrice:   utils.DecimalFromNumber(p.UnitPrice),
			Active:      activeOrDefault(p.Active),
			QbUpdatedAt: utils.ParseTimePtr(p.MetaData.LastUpdatedTime),
		}, nil

	case models.EntityTypeEmployee:
		var p qbNamePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Id) == "" {
			return nil, errMissingId
		}
		return &models.QbEmployee{
			RealmId:     realmId,
			QbId:        strings.TrimSpace(p.Id),
			SyncToken:   p.SyncToken,
			DisplayName: strings.TrimSpace(p.DisplayName),
			GivenName:   strings.TrimSpace(p.GivenName),
			FamilyName:  strings.TrimSpace(p.FamilyName),
			Email:       emailAddress(p.PrimaryEmailAddr),
			Active:      activeOrDefault(p.Active),
			QbUpdatedAt: utils.ParseTimePtr(p.MetaData.LastUpdatedTime),
		}, nil
	}

	// Unsupported entity type: skip, never error.
	return nil, nil
}

// tombstonePayload is the minimal shape of a CDC delete notification.
type tombstonePayload struct {
	Id     string `json:"Id"`
	Status string `json:"status"`
}

// IsTombstone reports whether a CDC item marks a deletion, returning the
// external id to delete by.
func IsTombstone(raw json.RawMessage) (string, bool) {
	var p tombstonePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", false
	}
	if strings.EqualFold(p.Status, "Deleted") {
		return strings.TrimSpace(p.Id), true
	}
	return "", false
}

func entityIdForLog(raw json.RawMessage) string {
	var p struct {
		Id string `json:"Id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	return strings.TrimSpace(p.Id)
}
