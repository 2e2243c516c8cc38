package session

import (
	"encoding/json"
	"fmt"

	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/LastBotInc/coralie-captions-worker/internal/language"
	"github.com/LastBotInc/coralie-captions-worker/internal/logging"
)

// MethodGetLanguages is the RPC method clients call to list caption languages.
const MethodGetLanguages = "get/languages"

// LanguagesJSON returns the catalog as the JSON array served by get/languages.
func LanguagesJSON() (string, error) {
	b, err := json.Marshal(language.All())
	if err != nil {
		return "", fmt.Errorf("encode languages: %w", err)
	}
	return string(b), nil
}

// LanguagesHandler serves get/languages.
func LanguagesHandler(data lksdk.RpcInvocationData) (string, error) {
	logging.Debug(logging.CategorySession, "rpc %s caller=%s request=%s", MethodGetLanguages, data.CallerIdentity, data.RequestID)
	payload, err := LanguagesJSON()
	if err != nil {
		logging.Error(logging.CategorySession, "rpc %s failed: %v", MethodGetLanguages, err)
		return "", err
	}
	return payload, nil
}
