// Command coralie-captions-token issues a room join token whose metadata
// carries the participant's spoken and captions languages.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/livekit/protocol/auth"

	"github.com/LastBotInc/coralie-captions-worker/internal/language"
	"github.com/LastBotInc/coralie-captions-worker/internal/logging"
	"github.com/LastBotInc/coralie-captions-worker/internal/session"
)

func main() {
	room := flag.String("room", "", "room to join (required)")
	identity := flag.String("identity", "", "participant identity (required)")
	input := flag.String("input", language.Default, "language the participant speaks")
	captions := flag.String("captions", language.DefaultCaptions, "language the participant reads captions in")
	host := flag.Bool("host", false, "mark the participant as host")
	ttl := flag.Duration("ttl", 6*time.Hour, "token validity")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logging.Fail(logging.CategoryApp, "failed to load .env file: %v", err)
		os.Exit(1)
	}

	if *room == "" || *identity == "" {
		flag.Usage()
		os.Exit(2)
	}

	for _, code := range []string{*input, *captions} {
		if _, err := language.Lookup(code); err != nil {
			logging.Fail(logging.CategoryApp, "invalid language code=%s: %v", code, err)
			os.Exit(1)
		}
	}

	apiKey := os.Getenv("LIVEKIT_API_KEY")
	apiSecret := os.Getenv("LIVEKIT_API_SECRET")
	if apiKey == "" || apiSecret == "" {
		logging.Fail(logging.CategoryApp, "LIVEKIT_API_KEY and LIVEKIT_API_SECRET must be set")
		os.Exit(1)
	}

	metadata, err := session.Preference{Input: *input, Captions: *captions, IsHost: *host}.Encode()
	if err != nil {
		logging.Fail(logging.CategoryApp, "failed to encode metadata: %v", err)
		os.Exit(1)
	}

	at := auth.NewAccessToken(apiKey, apiSecret)
	at.AddGrant(&auth.VideoGrant{
		RoomJoin:             true,
		Room:                 *room,
		CanUpdateOwnMetadata: boolPtr(true),
	}).
		SetIdentity(*identity).
		SetMetadata(metadata).
		SetValidFor(*ttl)

	token, err := at.ToJWT()
	if err != nil {
		logging.Fail(logging.CategoryApp, "failed to sign token: %v", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func boolPtr(b bool) *bool {
	return &b
}
