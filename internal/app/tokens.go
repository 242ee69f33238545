package app

import (
	"context"
	"encoding/json"
	"fmt"

	"defi-aggregator/internal/model"
)

// FindToken loads the token directory and prints the best match as JSON.
func (a *App) FindToken(ctx context.Context, query, searchType string) error {
	c, err := a.build()
	if err != nil {
		return err
	}
	if err := c.tokens.Refresh(ctx); err != nil {
		return err
	}
	tok := c.tokens.Find(query, searchType)
	if tok == nil {
		return model.NotFound("Token not found for query: %s", query)
	}
	return a.printJSON(tok)
}

// RefreshTokens loads the token directory once and prints its status.
func (a *App) RefreshTokens(ctx context.Context) error {
	c, err := a.build()
	if err != nil {
		return err
	}
	if err := c.tokens.Refresh(ctx); err != nil {
		return err
	}
	return a.printJSON(c.tokens.Status())
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
