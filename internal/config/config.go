package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Config holds application configuration for both binaries. The server reads
// the persistence/LLM/storage settings; the interview client reads the
// server address and audio settings.
type Config struct {
	// server
	HTTPAddress   string
	DBPath        string
	LLMBaseURL    string
	LLMKey        string
	LLMModelID    string
	RealtimeURL   string
	RealtimeKey   string
	StorageURL    string
	StorageKey    string
	StorageBucket string

	// interview client
	ServerURL   string
	InputDevice string
	UserID      string
	ChapterID   string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}

	addr := getEnv("HTTP_ADDRESS", ":8080")

	realtimeKey := os.Getenv("REALTIME_API_KEY")
	if realtimeKey == "" {
		log.Println("Warning: REALTIME_API_KEY not set - interview sessions will not connect")
	}

	llmKey := os.Getenv("LLM_API_KEY")
	if llmKey == "" {
		log.Println("Warning: LLM_API_KEY not set - transcript compilation will not work")
	}

	return Config{
		HTTPAddress:   addr,
		DBPath:        getEnv("DB_PATH", "memoria.db"),
		LLMBaseURL:    getEnv("LLM_BASE_URL", "https://api.openai.com"),
		LLMKey:        llmKey,
		LLMModelID:    getEnv("LLM_MODEL_ID", "gpt-4o-mini"),
		RealtimeURL:   getEnv("REALTIME_URL", "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"),
		RealtimeKey:   realtimeKey,
		StorageURL:    os.Getenv("STORAGE_URL"),
		StorageKey:    os.Getenv("STORAGE_SERVICE_KEY"),
		StorageBucket: getEnv("STORAGE_BUCKET", "chapters"),

		ServerURL:   getEnv("SERVER_URL", "http://localhost:8080"),
		InputDevice: os.Getenv("INPUT_DEVICE"),
		UserID:      getEnv("USER_ID", "local"),
		ChapterID:   getEnv("CHAPTER_ID", "chapter-1"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
