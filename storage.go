package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// ConversationStore is the storage collaborator the council persists through.
// GetConversation returns nil without error for an unknown id.
type ConversationStore interface {
	CreateConversation(conversationID string) (*Conversation, error)
	GetConversation(conversationID string) (*Conversation, error)
	ListConversations() ([]ConversationMetadata, error)
	AddUserMessage(conversationID string, content string) error
	AddAssistantMessage(conversationID string, stage1 []Stage1Response, stage2 []Stage2Ranking, stage3 Stage3Response) error
	UpdateConversationTitle(conversationID string, title string) error
}

// FileStore keeps one JSON file per conversation in a directory.
type FileStore struct {
	dataDir string
	// mu serializes read-modify-write cycles on conversation files.
	mu sync.Mutex
}

// NewFileStore creates a store rooted at dataDir.
func NewFileStore(dataDir string) *FileStore {
	return &FileStore{dataDir: dataDir}
}

// EnsureDataDir ensures the data directory exists.
// Creates the directory with 0755 permissions if it doesn't exist.
func (s *FileStore) EnsureDataDir() error {
	return os.MkdirAll(s.dataDir, 0755)
}

// GetConversationPath returns the file path for a conversation.
// Joins the data directory with the conversation ID and .json extension.
func (s *FileStore) GetConversationPath(conversationID string) string {
	return filepath.Join(s.dataDir, conversationID+".json")
}

// CreateConversation creates a new conversation with the given ID.
// Initializes an empty conversation with default title and saves it to disk.
func (s *FileStore) CreateConversation(conversationID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation := &Conversation{
		ID:        conversationID,
		CreatedAt: time.Now().UTC(),
		Title:     DefaultConversationTitle,
		Messages:  []Message{},
	}

	if err := s.save(conversation); err != nil {
		return nil, err
	}

	return conversation, nil
}

// GetConversation loads a conversation from storage by ID.
// Returns nil without error if the conversation doesn't exist.
// Returns an error only if file reading or JSON parsing fails.
func (s *FileStore) GetConversation(conversationID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(conversationID)
}

func (s *FileStore) load(conversationID string) (*Conversation, error) {
	data, err := os.ReadFile(s.GetConversationPath(conversationID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation file: %w", err)
	}

	var conversation Conversation
	if err := json.Unmarshal(data, &conversation); err != nil {
		return nil, fmt.Errorf("failed to parse conversation JSON: %w", err)
	}

	return &conversation, nil
}

// SaveConversation saves a conversation to storage.
// Writes the conversation as formatted JSON to disk.
func (s *FileStore) SaveConversation(conversation *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.save(conversation)
}

func (s *FileStore) save(conversation *Conversation) error {
	if err := s.EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := json.MarshalIndent(conversation, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	// Write to a temp file first so readers never see a torn file.
	path := s.GetConversationPath(conversation.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write conversation file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write conversation file: %w", err)
	}

	return nil
}

// ListConversations lists all conversations with metadata only.
// Returns a slice of conversation metadata sorted by creation time (newest first).
// Silently skips invalid or unreadable files. Returns empty slice if no conversations exist.
func (s *FileStore) ListConversations() ([]ConversationMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	// Initialize with empty slice to avoid null in JSON
	conversations := make([]ConversationMetadata, 0)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dataDir, entry.Name()))
		if err != nil {
			continue
		}

		var conv Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			continue
		}

		conversations = append(conversations, ConversationMetadata{
			ID:           conv.ID,
			CreatedAt:    conv.CreatedAt,
			Title:        conv.Title,
			MessageCount: len(conv.Messages),
		})
	}

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].CreatedAt.After(conversations[j].CreatedAt)
	})

	return conversations, nil
}

// update loads a conversation, applies fn and saves the result.
func (s *FileStore) update(conversationID string, fn func(*Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, err := s.load(conversationID)
	if err != nil {
		return err
	}
	if conversation == nil {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	fn(conversation)
	return s.save(conversation)
}

// AddUserMessage adds a user message to a conversation.
// Returns an error if the conversation doesn't exist or saving fails.
func (s *FileStore) AddUserMessage(conversationID string, content string) error {
	return s.update(conversationID, func(conversation *Conversation) {
		conversation.Messages = append(conversation.Messages, Message{
			Role:    "user",
			Content: content,
		})
	})
}

// AddAssistantMessage adds an assistant message with all 3 stages.
// Stores the complete council results (stage1, stage2, stage3) as a single message.
func (s *FileStore) AddAssistantMessage(conversationID string, stage1 []Stage1Response, stage2 []Stage2Ranking, stage3 Stage3Response) error {
	return s.update(conversationID, func(conversation *Conversation) {
		conversation.Messages = append(conversation.Messages, Message{
			Role:   "assistant",
			Stage1: stage1,
			Stage2: stage2,
			Stage3: &stage3,
		})
	})
}

// UpdateConversationTitle updates the title of a conversation.
func (s *FileStore) UpdateConversationTitle(conversationID string, title string) error {
	return s.update(conversationID, func(conversation *Conversation) {
		conversation.Title = title
	})
}
