// Package tutor builds the academic tutor prompts and sends them through an
// llm.Provider. Nothing here is persisted.
package tutor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/comigor/tutorchat/internal/llm"
)

var ErrValidation = errors.New("validation failed")

// Explanations run cooler and longer than regular chat.
const (
	ExplainTemperature = 0.3
	ExplainMaxTokens   = 1500
)

const systemPrompt = `Eres un tutor académico personalizado especializado en matemáticas, programación y escritura académica.

FUNCIONES PRINCIPALES:
1. TUTORÍA ACADÉMICA: Explicar conceptos, resolver dudas, proporcionar ejemplos prácticos
2. ACOMPAÑAMIENTO: Guiar en el proceso de aprendizaje, sugerir recursos de estudio
3. EVALUACIÓN: Proporcionar ejercicios prácticos y verificar comprensión

PROTOCOLOS DE RESPUESTA:
- Para matemáticas: Explicar concepto → Ejemplo simple → Ejemplo complejo → Ejercicio propuesto
- Para programación: Explicar lógica → Mostrar código ejemplo → Señalar errores comunes
- Para escritura: Estructura → Buenas prácticas → Ejemplos de citación

ESTILO DE COMUNICACIÓN:
- Claro y directo, pero amable
- Adaptar la complejidad al nivel del estudiante
- Ser paciente y alentador
- Proporcionar retroalimentación constructiva

NUNCA:
- Des directamente las respuestas de tareas
- Seas condescendiente
- Proporciones información incorrecta
- Ignores el nivel de comprensión del estudiante`

// SystemPrompt is the tutor persona sent ahead of every tutor request.
func SystemPrompt() string { return systemPrompt }

// Difficulty levels accepted by Respond.
const (
	Beginner     = "beginner"
	Intermediate = "intermediate"
	Advanced     = "advanced"
)

type Service struct {
	provider llm.Provider
}

func New(provider llm.Provider) *Service {
	return &Service{provider: provider}
}

// ExplainRequest asks for a concept explanation pitched at the student's level.
type ExplainRequest struct {
	Concept string `json:"concept"`
	Subject string `json:"subject"`
	Level   string `json:"level"`
}

// Performance summarizes recent results for a study plan.
type Performance struct {
	Subject      string    `json:"subject"`
	RecentScores []float64 `json:"recent_scores"`
	WeakAreas    []string  `json:"weak_areas"`
	HoursPerWeek float64   `json:"hours_per_week"`
}

func (s *Service) Explain(ctx context.Context, req ExplainRequest) (*llm.Response, error) {
	if strings.TrimSpace(req.Concept) == "" {
		return nil, fmt.Errorf("%w: concept is required", ErrValidation)
	}
	prompt := fmt.Sprintf(`Explica el concepto: "%s"

Contexto:
- Asignatura: %s
- Nivel del estudiante: %s

Por favor:
1. Define el concepto claramente
2. Proporciona ejemplos prácticos
3. Relaciona con conceptos previos
4. Incluye una analogía si es posible
5. Propone un ejercicio práctico`, req.Concept, req.Subject, req.Level)

	return s.provider.Chat(ctx, []llm.Turn{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: prompt},
	}, &llm.Config{
		Temperature: llm.Float64(ExplainTemperature),
		MaxTokens:   llm.Int(ExplainMaxTokens),
	})
}

func (s *Service) Recommend(ctx context.Context, p Performance) (*llm.Response, error) {
	if strings.TrimSpace(p.Subject) == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if p.HoursPerWeek < 0 {
		return nil, fmt.Errorf("%w: study time must not be negative", ErrValidation)
	}
	scores := make([]string, len(p.RecentScores))
	for i, v := range p.RecentScores {
		scores[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	prompt := fmt.Sprintf(`Genera recomendaciones de estudio personalizadas basadas en:

DESEMPEÑO DEL ESTUDIANTE:
- Asignatura: %s
- Calificaciones recientes: %s
- Áreas de mejora: %s
- Tiempo disponible: %s horas/semana

GENERA UN PLAN QUE INCLUYA:
1. Distribución del tiempo de estudio
2. Recursos específicos para las áreas débiles
3. Ejercicios prácticos recomendados
4. Técnicas de estudio sugeridas
5. Metas semanales realistas

Formato: Lista clara y accionable`, p.Subject, strings.Join(scores, ", "), strings.Join(p.WeakAreas, ", "),
		strconv.FormatFloat(p.HoursPerWeek, 'f', -1, 64))

	return s.provider.Chat(ctx, []llm.Turn{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: prompt},
	}, nil)
}

// Respond answers message in the context of history, tagging it with subject
// and difficulty. Empty difficulty means intermediate.
func (s *Service) Respond(ctx context.Context, message, subject, difficulty string, history []llm.Turn) (*llm.Response, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrValidation)
	}
	switch difficulty {
	case "":
		difficulty = Intermediate
	case Beginner, Intermediate, Advanced:
	default:
		return nil, fmt.Errorf("%w: unknown difficulty %q", ErrValidation, difficulty)
	}

	turns := make([]llm.Turn, 0, len(history)+2)
	turns = append(turns, llm.Turn{Role: llm.RoleSystem, Content: systemPrompt})
	turns = append(turns, history...)
	turns = append(turns, llm.Turn{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("[Asignatura: %s | Nivel: %s]\n\n%s", subject, difficulty, message),
	})
	return s.provider.Chat(ctx, turns, nil)
}
