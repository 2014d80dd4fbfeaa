package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/auth"
	"github.com/mmynk/invoicechain/internal/models"
	"github.com/mmynk/invoicechain/internal/storage"
)

// TemplateService manages a user's invoice templates.
type TemplateService struct {
	templates storage.TemplateStore
	users     storage.UserStore
	logger    *slog.Logger
}

func NewTemplateService(templates storage.TemplateStore, users storage.UserStore, logger *slog.Logger) *TemplateService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TemplateService{templates: templates, users: users, logger: logger}
}

// owner resolves the caller to a stored user. Templates belong to wallets.
func (s *TemplateService) owner(ctx context.Context, caller Caller) (*models.User, error) {
	if caller.Wallet == "" {
		return nil, apperr.ErrForbidden
	}
	return s.users.GetUserByWallet(ctx, caller.Wallet)
}

func (s *TemplateService) List(ctx context.Context, caller Caller) ([]*models.Template, error) {
	user, err := s.owner(ctx, caller)
	if err != nil {
		return nil, err
	}
	return s.templates.ListTemplates(ctx, user.ID)
}

// Save creates or updates a template. Marking it default clears the previous default.
func (s *TemplateService) Save(ctx context.Context, caller Caller, tpl *models.Template) (*models.Template, error) {
	user, err := s.owner(ctx, caller)
	if err != nil {
		return nil, err
	}

	tpl.Name = strings.TrimSpace(tpl.Name)
	switch {
	case tpl.Name == "":
		return nil, apperr.Invalid("name", "required")
	case tpl.Amount.IsNegative():
		return nil, apperr.Invalid("amount", "must not be negative")
	case tpl.DueInDays < 0:
		return nil, apperr.Invalid("dueInDays", "must not be negative")
	case tpl.Recipient.Wallet != "" && !auth.ValidWallet(tpl.Recipient.Wallet):
		return nil, apperr.Invalid("recipient.wallet", "not a valid address")
	case tpl.TokenAddress != "" && !auth.ValidWallet(tpl.TokenAddress):
		return nil, apperr.Invalid("tokenAddress", "not a valid address")
	}

	tpl.UserID = user.ID
	if err := s.templates.SaveTemplate(ctx, tpl); err != nil {
		return nil, err
	}
	s.logger.Info("Template saved", "template_id", tpl.ID, "user_id", user.ID, "default", tpl.IsDefault)
	return tpl, nil
}

func (s *TemplateService) Delete(ctx context.Context, caller Caller, templateID string) error {
	user, err := s.owner(ctx, caller)
	if err != nil {
		return err
	}
	return s.templates.DeleteTemplate(ctx, user.ID, templateID)
}
