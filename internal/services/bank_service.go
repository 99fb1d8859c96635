package services

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
	"github.com/spf13/viper"
)

// BalanceTruth is the partner-reported cash position for one user.
type BalanceTruth struct {
	UserID           string `json:"userId"`
	CashBalanceCents int64  `json:"cashBalanceCents"`
}

// BankAdapter is the boundary to the banking partner. Only the
// reconcile service consumes it.
type BankAdapter interface {
	GetBalanceTruth(userID string) (*BalanceTruth, error)
}

// ACHTransfer is one pending outbound transfer to be settled with the
// partner over ISO 20022 messaging.
type ACHTransfer struct {
	TransferID   string  `json:"transfer_id" validate:"required"`
	Reference    string  `json:"reference"`
	FromAccount  string  `json:"from_account" validate:"required"`
	ToAccount    string  `json:"to_account" validate:"required"`
	ToBankCode   string  `json:"to_bank_code" validate:"required"`
	AmountDollar float64 `json:"amount" validate:"required,gt=0"`
	Currency     string  `json:"currency" validate:"required,len=3"`
}

// BankService talks to the banking partner: balance truth over its REST
// API and settlement messaging as pacs.008/pacs.002.
type BankService struct {
	client  *http.Client
	baseURL string
}

func NewBankService() *BankService {
	viper.SetDefault("bank.base_url", "https://partner-bank.example.com")
	return &BankService{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: viper.GetString("bank.base_url"),
	}
}

// GetBalanceTruth fetches the partner's view of a user's cash balance.
func (bs *BankService) GetBalanceTruth(userID string) (*BalanceTruth, error) {
	url := fmt.Sprintf("%s/accounts/%s/balance", bs.baseURL, userID)
	resp, err := bs.client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("balance truth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("balance truth returned status %d", resp.StatusCode)
	}

	var result struct {
		CashBalanceCents int64 `json:"cash_balance_cents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding balance truth: %w", err)
	}
	return &BalanceTruth{UserID: userID, CashBalanceCents: result.CashBalanceCents}, nil
}

// CreatePacs008 builds a FIToFICustomerCreditTransfer for one transfer.
func (bs *BankService) CreatePacs008(t *ACHTransfer) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	msgID := uuid.New().String()
	now := time.Now()
	endToEnd := t.Reference
	if endToEnd == "" {
		endToEnd = t.TransferID
	}

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgID),
			CreDtTm: common.ISODateTime(now),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(t.Currency),
				Value: t.AmountDollar,
			},
			IntrBkSttlmDt: (*common.ISODate)(&now),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(t.TransferID)}[0],
					EndToEndId: common.Max35Text(endToEnd),
					TxId:       &[]common.Max35Text{common.Max35Text(t.TransferID)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode(t.Currency),
					Value: t.AmountDollar,
				},
				IntrBkSttlmDt: (*common.ISODate)(&now),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier("CLRSPEND")}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(t.FromAccount)}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(t.ToBankCode),
						},
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(t.ToAccount)}[0],
				},
			},
		},
	}

	return doc, nil
}

// CreatePacs002 builds a payment status report for one transfer.
func (bs *BankService) CreatePacs002(t *ACHTransfer, status string) (*pacs_v08.FIToFIPaymentStatusReportV08, error) {
	doc := &pacs_v08.FIToFIPaymentStatusReportV08{
		GrpHdr: pacs_v08.GroupHeader53{
			MsgId:   common.Max35Text(uuid.New().String()),
			CreDtTm: common.ISODateTime(time.Now()),
		},
		TxInfAndSts: []pacs_v08.PaymentTransaction80{
			{
				OrgnlInstrId:    &[]common.Max35Text{common.Max35Text(t.TransferID)}[0],
				OrgnlEndToEndId: &[]common.Max35Text{common.Max35Text(t.Reference)}[0],
				OrgnlTxId:       &[]common.Max35Text{common.Max35Text(t.TransferID)}[0],
				TxSts:           &[]pacs_v08.ExternalPaymentTransactionStatus1Code{pacs_v08.ExternalPaymentTransactionStatus1Code(status)}[0],
			},
		},
	}
	return doc, nil
}

// SendToSettlement serializes and ships a settlement document.
func (bs *BankService) SendToSettlement(doc interface{}) error {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal XML: %w", err)
	}

	// TODO: post to the partner's settlement gateway once credentials land.
	log.Printf("[BANK] Settlement message prepared (%d bytes)", len(xmlData))
	return nil
}

// ConvertToXML renders a settlement document with the XML header.
func (bs *BankService) ConvertToXML(doc interface{}) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}
