package acme

import (
	"github.com/vbrinnel/acme2certifier/internal/config"
)

// DirectoryManager serves the directory resource clients bootstrap from.
type DirectoryManager struct {
	externalURL string
	tosURL      string
}

// NewDirectoryManager creates a DirectoryManager.
func NewDirectoryManager(cfg *config.Config) *DirectoryManager {
	return &DirectoryManager{
		externalURL: cfg.ExternalURL,
		tosURL:      cfg.TOSURL,
	}
}

type directoryMeta struct {
	TermsOfService string `json:"termsOfService,omitempty"`
}

type directoryInfo struct {
	NewNonce   string         `json:"newNonce"`
	NewAccount string         `json:"newAccount"`
	NewOrder   string         `json:"newOrder"`
	RevokeCert string         `json:"revokeCert"`
	KeyChange  string         `json:"keyChange"`
	Meta       *directoryMeta `json:"meta,omitempty"`
}

// Get returns the directory resource.
func (d *DirectoryManager) Get() Response {
	info := directoryInfo{
		NewNonce:   d.externalURL + PathNewNonce,
		NewAccount: d.externalURL + PathNewAccount,
		NewOrder:   d.externalURL + PathNewOrder,
		RevokeCert: d.externalURL + PathRevokeCert,
		KeyChange:  d.externalURL + PathKeyChange,
	}
	if d.tosURL != "" {
		info.Meta = &directoryMeta{TermsOfService: d.tosURL}
	}
	return Response{Code: 200, Header: map[string]string{}, Data: info}
}
