package invest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"starcapital/config"
	"starcapital/logger"
)

// ErrInvalidMentor 导师不存在、已停用或产品不支持
var ErrInvalidMentor = errors.New("无效的导师")

// Service 申购服务
type Service struct {
	db  *config.Database
	now func() time.Time
}

// NewService 创建申购服务
func NewService(db *config.Database) *Service {
	return &Service{db: db, now: time.Now}
}

// Subscribe 申购：报价后将余额转入产品资金桶并生成持仓
func (s *Service) Subscribe(ctx context.Context, userID, product string, amount decimal.Decimal, mentorID string) (*config.Position, error) {
	quote, err := NewQuote(s.db, product, amount, s.now())
	if err != nil {
		return nil, err
	}

	if mentorID != "" {
		if product != config.ProductStarInvest {
			return nil, fmt.Errorf("%w: 仅星投可选择导师", ErrInvalidMentor)
		}
		m, err := s.db.GetMentor(mentorID)
		if errors.Is(err, config.ErrNotFound) || (err == nil && m.Status != config.MentorActive) {
			return nil, ErrInvalidMentor
		}
		if err != nil {
			return nil, err
		}
	}

	p := &config.Position{
		UserID:       userID,
		Product:      product,
		Principal:    quote.Principal,
		AnnualRate:   quote.Product.AnnualRate,
		TermDays:     quote.Product.TermDays,
		ReturnAmount: quote.ExpectedReturn,
		MentorID:     mentorID,
		CreatedAt:    s.now().UnixMilli(),
		MatureAt:     quote.MatureAt.UnixMilli(),
	}
	if _, err := s.db.CreatePosition(ctx, p); err != nil {
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"user_id":   userID,
		"product":   product,
		"principal": p.Principal.StringFixed(2),
		"mature_at": quote.MatureAt.Format(time.RFC3339),
	}).Info("📈 新申购")
	return p, nil
}
