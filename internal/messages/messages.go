// Package messages holds the user facing texts in every supported language.
package messages

import (
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message keys.
const (
	KeyVerified             = "verify.success"
	KeyNotVerified          = "verify.failure"
	KeyCardImageRequired    = "error.card_image_required"
	KeyLiveImageRequired    = "error.live_image_required"
	KeyCardImageInvalid     = "error.card_image_invalid"
	KeyLiveImageInvalid     = "error.live_image_invalid"
	KeyCardFaceNotDetected  = "error.card_face_not_detected"
	KeyLiveFaceNotDetected  = "error.live_face_not_detected"
	KeyVerificationFailed   = "error.verification_failed"
	KeyImageTooLarge        = "error.image_too_large"
	KeyUnsupportedMediaType = "error.unsupported_media_type"
	KeyRateLimited          = "error.rate_limited"
	KeyInvalidRequest       = "error.invalid_request"
)

var texts = map[language.Tag]map[string]string{
	language.Japanese: {
		KeyVerified:             "本人確認に成功しました",
		KeyNotVerified:          "本人確認に失敗しました。もう一度お試しください。",
		KeyCardImageRequired:    "マイナンバーカードの画像が必要です。",
		KeyLiveImageRequired:    "カメラ画像が必要です。",
		KeyCardImageInvalid:     "マイナンバーカードの画像を読み込めませんでした。",
		KeyLiveImageInvalid:     "カメラ画像を読み込めませんでした。",
		KeyCardFaceNotDetected:  "マイナンバーカードから顔を検出できませんでした。カード全体が写るように撮影してください。",
		KeyLiveFaceNotDetected:  "カメラ映像から顔を検出できませんでした。顔全体がカメラに写るようにしてください。",
		KeyVerificationFailed:   "認証処理中にエラーが発生しました",
		KeyImageTooLarge:        "画像サイズが大きすぎます。",
		KeyUnsupportedMediaType: "対応していない画像形式です。",
		KeyRateLimited:          "リクエストが多すぎます。しばらくしてから再度お試しください。",
		KeyInvalidRequest:       "リクエストの形式が正しくありません。",
	},
	language.English: {
		KeyVerified:             "Identity verified",
		KeyNotVerified:          "Identity verification failed. Please try again.",
		KeyCardImageRequired:    "The ID card image is required.",
		KeyLiveImageRequired:    "The camera image is required.",
		KeyCardImageInvalid:     "The ID card image could not be read.",
		KeyLiveImageInvalid:     "The camera image could not be read.",
		KeyCardFaceNotDetected:  "No face was detected on the ID card. Make sure the whole card is in frame.",
		KeyLiveFaceNotDetected:  "No face was detected in the camera image. Make sure your whole face is visible.",
		KeyVerificationFailed:   "An error occurred during verification",
		KeyImageTooLarge:        "The image is too large.",
		KeyUnsupportedMediaType: "Unsupported image type.",
		KeyRateLimited:          "Too many requests. Please wait and try again.",
		KeyInvalidRequest:       "The request is malformed.",
	},
}

// Localizer selects a printer for a client's preferred languages.
type Localizer struct {
	supported []language.Tag
	matcher   language.Matcher
	catalog   catalog.Catalog
}

// NewLocalizer builds a localizer whose fallback language is defaultLang.
func NewLocalizer(defaultLang string) (*Localizer, error) {
	fallback, err := language.Parse(defaultLang)
	if err != nil {
		return nil, fmt.Errorf("parse default language %q: %w", defaultLang, err)
	}
	base, _ := fallback.Base()
	fallback = language.Make(base.String())
	if _, ok := texts[fallback]; !ok {
		return nil, fmt.Errorf("no messages for language %q", defaultLang)
	}

	builder := catalog.NewBuilder(catalog.Fallback(fallback))
	supported := []language.Tag{fallback}
	for tag, entries := range texts {
		if tag != fallback {
			supported = append(supported, tag)
		}
		for key, text := range entries {
			if err := builder.SetString(tag, key, text); err != nil {
				return nil, fmt.Errorf("register %s/%s: %w", tag, key, err)
			}
		}
	}

	return &Localizer{
		supported: supported,
		matcher:   language.NewMatcher(supported),
		catalog:   builder,
	}, nil
}

// Printer returns a printer for an Accept-Language style preference list.
func (l *Localizer) Printer(acceptLanguage string) *message.Printer {
	tags, _, _ := language.ParseAcceptLanguage(acceptLanguage)
	_, index, _ := l.matcher.Match(tags...)
	return message.NewPrinter(l.supported[index], message.Catalog(l.catalog))
}

// Text is a shorthand for Printer(acceptLanguage).Sprintf(key).
func (l *Localizer) Text(acceptLanguage, key string) string {
	return l.Printer(acceptLanguage).Sprintf(key)
}

// ErrorKey returns the message key for a wire error code.
func ErrorKey(code string) string {
	return "error." + code
}
