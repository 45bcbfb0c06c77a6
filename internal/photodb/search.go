package photodb

import (
	"context"
	"strings"
)

// SearchResult pairs an asset with its match relevance, the highest
// confidence among the tags that matched the query.
type SearchResult struct {
	AssetRecord
	Relevance float64 `db:"relevance"`
}

// SearchText finds assets whose tags match the query, most relevant first
// and newest first within equal relevance. The query is normalized the same
// way tags are at insert time; each term matches as a substring, and any
// matching term qualifies the asset. Only durable assets are searchable.
func (s *Store) SearchText(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	normalized := NormalizeTag(query)
	if normalized == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	terms := strings.Fields(normalized)
	where := make([]string, 0, len(terms))
	args := make([]any, 0, len(terms)+1)
	for _, term := range terms {
		where = append(where, "t.name LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(term)+"%")
	}
	args = append(args, limit)

	q := `SELECT ` + assetColumnsPA + `, MAX(at.confidence) AS relevance
		FROM photo_asset pa
		JOIN asset_tag at ON at.asset_id = pa.id
		JOIN tag t ON t.id = at.tag_id
		WHERE pa.completed_analysis = 1 AND (` + strings.Join(where, " OR ") + `)
		GROUP BY pa.id
		ORDER BY relevance DESC, pa.created_at DESC, pa.id DESC
		LIMIT ?`

	var results []SearchResult
	if err := s.db.SelectContext(ctx, &results, q, args...); err != nil {
		return nil, err
	}
	return results, nil
}

// TagsForAsset returns the asset's tag relations with their shared tag rows
// resolved, highest confidence first.
func (s *Store) TagsForAsset(ctx context.Context, assetID int64) ([]AssetTag, error) {
	var tags []AssetTag
	err := s.db.SelectContext(ctx, &tags, `SELECT t.name, t.category, at.raw_text, at.confidence
		FROM asset_tag at
		JOIN tag t ON t.id = at.tag_id
		WHERE at.asset_id = ?
		ORDER BY at.confidence DESC, t.name`, assetID)
	return tags, err
}

// AssetTag is one resolved tag relation.
type AssetTag struct {
	Name       string      `db:"name"`
	Category   TagCategory `db:"category"`
	RawText    string      `db:"raw_text"`
	Confidence float64     `db:"confidence"`
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
