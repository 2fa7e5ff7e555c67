package vector

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/weaviate/weaviate/entities/models"
)

// ErrDimensionMismatch means the collection already holds vectors of another
// size than the embedder produces. Retrying cannot fix it.
var ErrDimensionMismatch = errors.New("embedding dimension does not match collection")

// SchemaClient defines the interface for Weaviate schema operations
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

var dimensionRe = regexp.MustCompile(`dimension=(\d+)`)

// ClassName maps a collection name such as "pdf-docs" onto a valid Weaviate
// class name ("PdfDocs").
func ClassName(collection string) string {
	parts := strings.FieldsFunc(collection, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var b strings.Builder
	for _, p := range parts {
		runes := []rune(strings.ToLower(p))
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}
	name := b.String()
	if name == "" || !unicode.IsLetter([]rune(name)[0]) {
		name = "C" + name
	}
	return name
}

// ChunkProperties is the property set of a chunk class.
func ChunkProperties() []*models.Property {
	return []*models.Property{
		{Name: "content", DataType: []string{"text"}},
		{Name: "source", DataType: []string{"text"}, Tokenization: "field"},
		{Name: "sourceDocument", DataType: []string{"text"}, Tokenization: "field"},
		{Name: "ordinal", DataType: []string{"int"}},
		{Name: "page", DataType: []string{"int"}},
		{Name: "totalPages", DataType: []string{"int"}},
		{Name: "pageChunk", DataType: []string{"int"}},
	}
}

func describe(collection string, dimension int) string {
	return fmt.Sprintf("PDF document chunks (collection=%s, dimension=%d)", collection, dimension)
}

// Dimension returns the vector size recorded on class, or 0 when none was
// recorded.
func Dimension(class *models.Class) int {
	if class == nil {
		return 0
	}
	m := dimensionRe.FindStringSubmatch(class.Description)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// EnsureCollection creates the class backing collection when it is missing
// and checks that an existing one was created for vectors of dimension. A
// create that loses a race against another worker counts as success.
func EnsureCollection(ctx context.Context, client SchemaClient, collection string, dimension int) error {
	className := ClassName(collection)

	exists, err := client.ClassExists(ctx, className)
	if err != nil {
		return err
	}

	if !exists {
		class := &models.Class{
			Class:       className,
			Description: describe(collection, dimension),
			Vectorizer:  "none",
			Properties:  ChunkProperties(),
		}
		err := client.CreateClass(ctx, class)
		if err == nil {
			return nil
		}
		if !isAlreadyExists(err) {
			return err
		}
	}

	class, err := client.GetClass(ctx, className)
	if err != nil {
		return err
	}

	if have := Dimension(class); have != 0 && have != dimension {
		return fmt.Errorf("%w: collection %q stores %d, embedder returned %d", ErrDimensionMismatch, collection, have, dimension)
	}

	existingProps := make(map[string]bool)
	for _, p := range class.Properties {
		existingProps[p.Name] = true
	}

	for _, p := range ChunkProperties() {
		if !existingProps[p.Name] {
			if err := client.AddProperty(ctx, className, p); err != nil {
				return err
			}
		}
	}

	return nil
}

func isAlreadyExists(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}
