package services

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/syntax-sensei/kuboid/internal/platform/envutil"
	"github.com/syntax-sensei/kuboid/internal/platform/logger"
	"github.com/syntax-sensei/kuboid/internal/repos"
	"github.com/syntax-sensei/kuboid/internal/types"
)

// ErrUnauthorized covers every widget auth failure: bad origin, bad secret,
// bad signature, expiry, and owner mismatch. Callers get no finer detail.
var ErrUnauthorized = errors.New("unauthorized")

type WidgetTokenClaims struct {
	OwnerID  string `json:"owner_id"`
	SiteID   string `json:"site_id,omitempty"`
	WidgetID string `json:"widget_id"`
	jwt.RegisteredClaims
}

type CreatedWidget struct {
	Widget *types.Widget
	// Secret is returned exactly once at creation; only its HMAC is stored.
	Secret string
}

type WidgetAuthService interface {
	CreateWidget(ctx context.Context, ownerID, siteID, name string, allowedOrigins []string) (*CreatedWidget, error)
	CreateToken(ctx context.Context, widgetID, origin, sharedSecret string) (string, time.Time, error)
	VerifyToken(ctx context.Context, tokenString string) (*WidgetTokenClaims, error)
}

type widgetAuthService struct {
	log        *logger.Logger
	widgetRepo repos.WidgetRepo
	signingKey []byte
	tokenTTL   time.Duration
	now        func() time.Time
}

func NewWidgetAuthService(log *logger.Logger, widgetRepo repos.WidgetRepo) (WidgetAuthService, error) {
	secret := os.Getenv("EMBED_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("missing EMBED_SECRET")
	}
	ttl := envutil.Duration("WIDGET_TOKEN_TTL", 15*time.Minute)

	return &widgetAuthService{
		log:        log.With("service", "WidgetAuthService"),
		widgetRepo: widgetRepo,
		signingKey: []byte(secret),
		tokenTTL:   ttl,
		now:        time.Now,
	}, nil
}

func (ws *widgetAuthService) CreateWidget(ctx context.Context, ownerID, siteID, name string, allowedOrigins []string) (*CreatedWidget, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner_id is required")
	}
	if name == "" {
		name = "widget"
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, fmt.Errorf("generate widget secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	origins, err := json.Marshal(allowedOrigins)
	if err != nil {
		return nil, fmt.Errorf("encode allowed origins: %w", err)
	}

	widget := &types.Widget{
		ID:             uuid.New(),
		OwnerID:        ownerID,
		SiteID:         siteID,
		Name:           name,
		AllowedOrigins: datatypes.JSON(origins),
		SecretHash:     ws.hashSecret(secret),
	}
	if _, err := ws.widgetRepo.Create(ctx, nil, []*types.Widget{widget}); err != nil {
		ws.log.Warn("Failed to create widget", "owner_id", ownerID, "error", err)
		return nil, fmt.Errorf("failed to create widget: %w", err)
	}

	ws.log.Info("Widget created", "widget_id", widget.ID.String(), "owner_id", ownerID)
	return &CreatedWidget{Widget: widget, Secret: secret}, nil
}

// CreateToken mints a widget token when the request passes exactly one of the
// two issuance checks: a verbatim Origin match (browser flow) or a shared
// secret whose HMAC equals the stored hash (server flow).
func (ws *widgetAuthService) CreateToken(ctx context.Context, widgetID, origin, sharedSecret string) (string, time.Time, error) {
	id, err := uuid.Parse(widgetID)
	if err != nil {
		return "", time.Time{}, ErrUnauthorized
	}
	widget, err := ws.widgetRepo.GetByID(ctx, nil, id)
	if err != nil {
		return "", time.Time{}, ErrUnauthorized
	}

	if !ws.originAllowed(widget, origin) && !ws.secretMatches(widget, sharedSecret) {
		ws.log.Warn("Widget token refused", "widget_id", widgetID, "origin", origin)
		return "", time.Time{}, ErrUnauthorized
	}

	now := ws.now()
	expiresAt := now.Add(ws.tokenTTL)
	claims := WidgetTokenClaims{
		OwnerID:  widget.OwnerID,
		SiteID:   widget.SiteID,
		WidgetID: widget.ID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   widget.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ws.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign widget token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyToken checks signature and expiry, then re-fetches the widget and
// asserts the token's owner still matches the widget's current owner. A
// reassigned or deleted widget invalidates all outstanding tokens.
func (ws *widgetAuthService) VerifyToken(ctx context.Context, tokenString string) (*WidgetTokenClaims, error) {
	if tokenString == "" {
		return nil, ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &WidgetTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return ws.signingKey, nil
	}, jwt.WithTimeFunc(ws.now))
	if err != nil {
		return nil, ErrUnauthorized
	}
	claims, ok := parsed.Claims.(*WidgetTokenClaims)
	if !ok || !parsed.Valid {
		return nil, ErrUnauthorized
	}

	widgetID := claims.WidgetID
	if widgetID == "" {
		widgetID = claims.Subject
	}
	id, err := uuid.Parse(widgetID)
	if err != nil {
		return nil, ErrUnauthorized
	}
	widget, err := ws.widgetRepo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, ErrUnauthorized
	}

	tokenOwner := claims.OwnerID
	if tokenOwner == "" {
		tokenOwner = widget.OwnerID
	}
	if subtle.ConstantTimeCompare([]byte(tokenOwner), []byte(widget.OwnerID)) != 1 {
		ws.log.Warn("Widget token owner mismatch", "widget_id", widgetID)
		return nil, ErrUnauthorized
	}

	claims.OwnerID = widget.OwnerID
	claims.WidgetID = widget.ID.String()
	return claims, nil
}

func (ws *widgetAuthService) originAllowed(widget *types.Widget, origin string) bool {
	if origin == "" || len(widget.AllowedOrigins) == 0 {
		return false
	}
	var origins []string
	if err := json.Unmarshal(widget.AllowedOrigins, &origins); err != nil {
		return false
	}
	for _, allowed := range origins {
		if allowed == origin {
			return true
		}
	}
	return false
}

func (ws *widgetAuthService) secretMatches(widget *types.Widget, sharedSecret string) bool {
	if sharedSecret == "" || widget.SecretHash == "" {
		return false
	}
	expected := ws.hashSecret(sharedSecret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(widget.SecretHash)) == 1
}

func (ws *widgetAuthService) hashSecret(secret string) string {
	mac := hmac.New(sha256.New, ws.signingKey)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}
