package fsm

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/replicated-ledger/internal/models"
)

// CommandVersion is the current wire version of an encoded Command.
const CommandVersion = 1

type CommandType string

const (
	CommandCreateAccount CommandType = "CREATE_ACCOUNT"
	CommandTransfer      CommandType = "TRANSFER"
)

// CreateAccount opens a zero-balance account.
type CreateAccount struct {
	UserID      string             `json:"user_id"`
	AccountType models.AccountType `json:"account_type"`
}

func (c CreateAccount) AccountID() string { return models.AccountID(c.UserID, c.AccountType) }

// Transfer moves Amount between two accounts. TransactionID is stamped by the
// submitter so every replica records the same id.
type Transfer struct {
	TransactionID  string             `json:"transaction_id"`
	FromUserID     string             `json:"from_user_id"`
	FromType       models.AccountType `json:"from_type"`
	ToUserID       string             `json:"to_user_id"`
	ToType         models.AccountType `json:"to_type"`
	Amount         decimal.Decimal    `json:"amount"`
	Description    string             `json:"description,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

func (t Transfer) FromAccountID() string { return models.AccountID(t.FromUserID, t.FromType) }
func (t Transfer) ToAccountID() string   { return models.AccountID(t.ToUserID, t.ToType) }

// Command is the tagged union submitted to the ordered command channel.
// Exactly one of CreateAccount or Transfer is set, matching Type.
type Command struct {
	Type          CommandType    `json:"type"`
	IssuedAt      time.Time      `json:"issued_at"`
	CreateAccount *CreateAccount `json:"create_account,omitempty"`
	Transfer      *Transfer      `json:"transfer,omitempty"`
}

func NewCreateAccount(userID string, t models.AccountType, issuedAt time.Time) Command {
	return Command{
		Type:          CommandCreateAccount,
		IssuedAt:      issuedAt.UTC(),
		CreateAccount: &CreateAccount{UserID: userID, AccountType: t},
	}
}

func NewTransfer(t Transfer, issuedAt time.Time) Command {
	return Command{
		Type:     CommandTransfer,
		IssuedAt: issuedAt.UTC(),
		Transfer: &t,
	}
}

// Validate checks the command shape. It does not look at store state.
func (c Command) Validate() error {
	switch c.Type {
	case CommandCreateAccount:
		if c.CreateAccount == nil || c.Transfer != nil {
			return models.ValidationError{Field: "command", Message: "CREATE_ACCOUNT requires exactly the create_account payload"}
		}
		if err := models.ValidateUserID(c.CreateAccount.UserID); err != nil {
			return err
		}
		if !c.CreateAccount.AccountType.Valid() {
			return models.ValidationError{Field: "account_type", Message: fmt.Sprintf("unknown account type %q", c.CreateAccount.AccountType)}
		}
	case CommandTransfer:
		if c.Transfer == nil || c.CreateAccount != nil {
			return models.ValidationError{Field: "command", Message: "TRANSFER requires exactly the transfer payload"}
		}
		if c.Transfer.TransactionID == "" {
			return models.ValidationError{Field: "transaction_id", Message: "must be stamped before submission"}
		}
		return c.Transfer.Validate()
	default:
		return models.ValidationError{Field: "type", Message: fmt.Sprintf("unknown command type %q", c.Type)}
	}
	return nil
}

// Validate checks the transfer fields, leaving the transaction id aside.
func (t Transfer) Validate() error {
	if err := models.ValidateUserID(t.FromUserID); err != nil {
		return err
	}
	if err := models.ValidateUserID(t.ToUserID); err != nil {
		return err
	}
	if !t.FromType.Valid() {
		return models.ValidationError{Field: "from_type", Message: fmt.Sprintf("unknown account type %q", t.FromType)}
	}
	if !t.ToType.Valid() {
		return models.ValidationError{Field: "to_type", Message: fmt.Sprintf("unknown account type %q", t.ToType)}
	}
	if !t.Amount.IsPositive() {
		return models.ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	if t.FromAccountID() == t.ToAccountID() {
		return models.ValidationError{Field: "to_account", Message: "source and destination must differ"}
	}
	return nil
}

type envelope struct {
	Version int `json:"v"`
	Command
}

// Encode serializes a command into its versioned wire form.
func Encode(c Command) ([]byte, error) {
	data, err := json.Marshal(envelope{Version: CommandVersion, Command: c})
	if err != nil {
		return nil, fmt.Errorf("fsm: encode command: %w", err)
	}
	return data, nil
}

// Decode parses and validates a wire command.
func Decode(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Command{}, models.ValidationError{Field: "command", Message: "malformed payload: " + err.Error()}
	}
	if env.Version != CommandVersion {
		return Command{}, models.ValidationError{Field: "v", Message: fmt.Sprintf("unsupported command version %d", env.Version)}
	}
	if err := env.Command.Validate(); err != nil {
		return Command{}, err
	}
	return env.Command, nil
}
