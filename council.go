package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Placeholder texts shown to the user when a stage cannot produce content.
const (
	// DefaultConversationTitle is used until, or instead of, a generated title.
	DefaultConversationTitle = "New Conversation"

	// allModelsFailedMessage is the Stage 3 text when Stage 1 produced nothing.
	allModelsFailedMessage = "All models failed to respond. Please try again."

	// errorModelName authors the placeholder synthesis of an errored round.
	errorModelName = "error"

	// maxTitleLength is the longest generated title kept verbatim.
	maxTitleLength = 50
)

var (
	numberedRankingPattern = regexp.MustCompile(`\d+\.\s*Response [A-Z]`)
	responseLabelPattern   = regexp.MustCompile(`Response [A-Z]`)
)

// CouncilConfig names the models and timeouts a Council works with.
type CouncilConfig struct {
	Models          []string
	ChairmanModel   string
	TitleModel      string
	QueryTimeout    time.Duration
	ChairmanTimeout time.Duration
	TitleTimeout    time.Duration
}

// Council runs the three-stage deliberation over a ModelQuerier.
type Council struct {
	config  CouncilConfig
	querier ModelQuerier
	titles  *ResponseCache[string]
	logger  *slog.Logger
}

// NewCouncil creates a council. titles may be nil to disable title caching.
func NewCouncil(config CouncilConfig, querier ModelQuerier, titles *ResponseCache[string], logger *slog.Logger) *Council {
	if logger == nil {
		logger = slog.Default()
	}
	return &Council{
		config:  config,
		querier: querier,
		titles:  titles,
		logger:  logger.With("component", "council"),
	}
}

// Models returns the configured council members in order.
func (c *Council) Models() []string {
	return append([]string(nil), c.config.Models...)
}

// ChairmanModel returns the model used for synthesis.
func (c *Council) ChairmanModel() string {
	return c.config.ChairmanModel
}

// fanOut queries every model in parallel and waits for all of them.
// The result slice is indexed like models; failed calls leave a nil entry.
func (c *Council) fanOut(ctx context.Context, models []string, messages []OpenRouterMessage, opts QueryOptions) []*ModelResponse {
	results := make([]*ModelResponse, len(models))

	var g errgroup.Group
	for i, model := range models {
		g.Go(func() error {
			response, err := c.querier.Query(ctx, model, messages, opts)
			if err != nil {
				// Graceful degradation: the rest of the batch carries on.
				c.logger.Warn("model query failed", "model", model, "error", err)
				return nil
			}
			results[i] = &response
			return nil
		})
	}
	// Workers never return errors.
	_ = g.Wait()

	return results
}

// Stage1CollectResponses collects individual responses from all council models.
// This is the first stage of the council process where each model independently
// answers the user's question. Results follow the configured model order and
// only include models that answered.
func (c *Council) Stage1CollectResponses(ctx context.Context, userQuery string) []Stage1Response {
	messages := []OpenRouterMessage{
		{Role: "user", Content: userQuery},
	}

	responses := c.fanOut(ctx, c.config.Models, messages, QueryOptions{
		Timeout:  c.config.QueryTimeout,
		UseCache: true,
	})

	stage1Results := make([]Stage1Response, 0, len(responses))
	for i, response := range responses {
		if response == nil {
			continue
		}
		stage1Results = append(stage1Results, Stage1Response{
			Model:    c.config.Models[i],
			Response: response.Content,
		})
	}

	return stage1Results
}

// AssignLabels maps each Stage 1 result to an anonymized label ("Response A",
// "Response B", ...) by position.
func AssignLabels(stage1Results []Stage1Response) map[string]string {
	labelToModel := make(map[string]string, len(stage1Results))
	for i, result := range stage1Results {
		labelToModel[responseLabel(i)] = result.Model
	}
	return labelToModel
}

func responseLabel(index int) string {
	return fmt.Sprintf("Response %c", rune('A'+index))
}

// BuildRankingPrompt embeds the question and the anonymized answers in the
// peer review prompt with its FINAL RANKING output contract.
func BuildRankingPrompt(userQuery string, stage1Results []Stage1Response) string {
	var responsesText strings.Builder
	for i, result := range stage1Results {
		fmt.Fprintf(&responsesText, "%s:\n%s\n\n", responseLabel(i), result.Response)
	}

	return fmt.Sprintf(`You are evaluating different responses to the following question:

Question: %s

Here are the responses from different models (anonymized):

%s

Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly.
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Example of the correct format for your ENTIRE response:

Response A provides good detail on X but misses Y...
Response B is accurate but lacks depth on Z...
Response C offers the most comprehensive answer...

FINAL RANKING:
1. Response C
2. Response A
3. Response B

Now provide your evaluation and ranking:`, userQuery, responsesText.String())
}

// Stage2CollectRankings collects rankings from each model on anonymized responses.
// This is the second stage where models evaluate each other's responses without
// knowing which model produced which response. Returns rankings in configured
// model order and the label-to-model mapping for de-anonymization.
// Ranking calls bypass the answer cache: they must reflect this round's answers.
func (c *Council) Stage2CollectRankings(ctx context.Context, userQuery string, stage1Results []Stage1Response) ([]Stage2Ranking, map[string]string) {
	labelToModel := AssignLabels(stage1Results)

	messages := []OpenRouterMessage{
		{Role: "user", Content: BuildRankingPrompt(userQuery, stage1Results)},
	}

	responses := c.fanOut(ctx, c.config.Models, messages, QueryOptions{
		Timeout: c.config.QueryTimeout,
	})

	stage2Results := make([]Stage2Ranking, 0, len(responses))
	for i, response := range responses {
		if response == nil {
			continue
		}
		stage2Results = append(stage2Results, Stage2Ranking{
			Model:         c.config.Models[i],
			Ranking:       response.Content,
			ParsedRanking: ParseRankingFromText(response.Content),
		})
	}

	return stage2Results, labelToModel
}

// BuildChairmanPrompt gives the synthesizer every answer and every raw
// ranking with model names attached.
func BuildChairmanPrompt(userQuery string, stage1Results []Stage1Response, stage2Results []Stage2Ranking) string {
	var stage1Text strings.Builder
	for _, result := range stage1Results {
		fmt.Fprintf(&stage1Text, "Model: %s\nResponse: %s\n\n", result.Model, result.Response)
	}

	var stage2Text strings.Builder
	for _, result := range stage2Results {
		fmt.Fprintf(&stage2Text, "Model: %s\nRanking: %s\n\n", result.Model, result.Ranking)
	}

	return fmt.Sprintf(`You are the Chairman of an LLM Council. Multiple AI models have provided responses to a user's question, and then ranked each other's responses.

Original Question: %s

STAGE 1 - Individual Responses:
%s

STAGE 2 - Peer Rankings:
%s

Your task as Chairman is to synthesize all of this information into a single, comprehensive, accurate answer to the user's original question. Consider:
- The individual responses and their insights
- The peer rankings and what they reveal about response quality
- Any patterns of agreement or disagreement

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`, userQuery, stage1Text.String(), stage2Text.String())
}

// synthesisCandidates lists the chairman followed by every other council
// model in configured order.
func (c *Council) synthesisCandidates() []string {
	candidates := []string{c.config.ChairmanModel}
	for _, model := range c.config.Models {
		if model != c.config.ChairmanModel {
			candidates = append(candidates, model)
		}
	}
	return candidates
}

// Stage3SynthesizeFinal synthesizes the final response using the chairman model.
// If the chairman fails, the same prompt goes to each other council model in
// turn, one at a time, and the first answer wins. When every candidate fails
// the result is a descriptive error synthesis rather than an error value.
func (c *Council) Stage3SynthesizeFinal(ctx context.Context, userQuery string, stage1Results []Stage1Response, stage2Results []Stage2Ranking) Stage3Response {
	messages := []OpenRouterMessage{
		{Role: "user", Content: BuildChairmanPrompt(userQuery, stage1Results, stage2Results)},
	}

	for i, model := range c.synthesisCandidates() {
		timeout := c.config.ChairmanTimeout
		if i > 0 {
			c.logger.Info("falling back to next synthesis model", "model", model)
		}

		response, err := c.querier.Query(ctx, model, messages, QueryOptions{Timeout: timeout})
		if err != nil {
			c.logger.Warn("synthesis failed", "model", model, "error", err)
			continue
		}

		return Stage3Response{
			Model:    model,
			Response: response.Content,
		}
	}

	return SynthesisFailure(c.config.ChairmanModel)
}

// SynthesisFailure is the Stage 3 result when no model could synthesize.
func SynthesisFailure(chairman string) Stage3Response {
	return Stage3Response{
		Model: chairman,
		Response: fmt.Sprintf(
			"Error: Unable to generate final synthesis. Chairman %s and all fallback models failed.",
			chairman),
	}
}

// AllModelsFailed is the Stage 3 result of a round whose Stage 1 produced nothing.
func AllModelsFailed() Stage3Response {
	return Stage3Response{
		Model:    errorModelName,
		Response: allModelsFailedMessage,
	}
}

// ParseRankingFromText extracts the ranking from a model's response text.
// Looks for a "FINAL RANKING:" section and parses numbered responses (e.g., "1. Response A").
// Falls back to any "Response X" in that section, then anywhere in the text.
// The last fallback can pick up labels mentioned inside critique paragraphs;
// that imprecision is accepted in exchange for recovering malformed output.
func ParseRankingFromText(rankingText string) []string {
	if _, rankingSection, found := strings.Cut(rankingText, "FINAL RANKING:"); found {
		numberedMatches := numberedRankingPattern.FindAllString(rankingSection, -1)
		if len(numberedMatches) > 0 {
			results := make([]string, 0, len(numberedMatches))
			for _, match := range numberedMatches {
				if resp := responseLabelPattern.FindString(match); resp != "" {
					results = append(results, resp)
				}
			}
			return results
		}

		if matches := responseLabelPattern.FindAllString(rankingSection, -1); len(matches) > 0 {
			return matches
		}
	}

	matches := responseLabelPattern.FindAllString(rankingText, -1)
	if matches == nil {
		return []string{}
	}
	return matches
}

// CalculateAggregateRankings computes aggregate rankings across all models.
// Each parsed ranking assigns positions 1..N to the models behind its labels.
// Models are sorted by average position (lower is better, rounded to two
// decimals); ties keep the order in which models were first ranked. Models
// nobody ranked are left out.
func CalculateAggregateRankings(stage2Results []Stage2Ranking, labelToModel map[string]string) []AggregateRanking {
	modelPositions := make(map[string][]int)
	var firstSeen []string

	for _, ranking := range stage2Results {
		for position, label := range ranking.ParsedRanking {
			modelName, ok := labelToModel[label]
			if !ok {
				continue
			}
			if _, seen := modelPositions[modelName]; !seen {
				firstSeen = append(firstSeen, modelName)
			}
			modelPositions[modelName] = append(modelPositions[modelName], position+1)
		}
	}

	aggregate := make([]AggregateRanking, 0, len(firstSeen))
	for _, model := range firstSeen {
		positions := modelPositions[model]
		sum := 0
		for _, pos := range positions {
			sum += pos
		}
		avgRank := float64(sum) / float64(len(positions))

		aggregate = append(aggregate, AggregateRanking{
			Model:         model,
			AverageRank:   math.Round(avgRank*100) / 100,
			RankingsCount: len(positions),
		})
	}

	sort.SliceStable(aggregate, func(i, j int) bool {
		return aggregate[i].AverageRank < aggregate[j].AverageRank
	})

	return aggregate
}

// GenerateConversationTitle generates a short title for a conversation.
// Uses the fast title model to create a 3-5 word summary of the user's query.
// Titles are cached by question text.
func (c *Council) GenerateConversationTitle(ctx context.Context, userQuery string) (string, error) {
	key := TitleKey(userQuery)
	if c.titles != nil {
		if title, ok := c.titles.Get(key); ok {
			return title, nil
		}
	}

	titlePrompt := fmt.Sprintf(`Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`, userQuery)

	messages := []OpenRouterMessage{
		{Role: "user", Content: titlePrompt},
	}

	response, err := c.querier.Query(ctx, c.config.TitleModel, messages, QueryOptions{
		Timeout: c.config.TitleTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}

	title := cleanTitle(response.Content)
	if title == "" {
		return "", fmt.Errorf("title generation failed: %w: empty title", ErrMalformedResponse)
	}

	if c.titles != nil {
		c.titles.Set(key, title)
	}
	return title, nil
}

// cleanTitle strips whitespace and quotes and truncates long titles.
func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, "\"'")
	title = strings.TrimSpace(title)

	if len(title) > maxTitleLength {
		title = title[:maxTitleLength-3] + "..."
	}
	return title
}

// TitleOrDefault generates a title, falling back to the default placeholder.
func (c *Council) TitleOrDefault(ctx context.Context, userQuery string) (string, bool) {
	title, err := c.GenerateConversationTitle(ctx, userQuery)
	if err != nil {
		c.logger.Warn("failed to generate title", "error", err)
		return DefaultConversationTitle, false
	}
	return title, true
}

// RunFullCouncil runs the complete 3-stage council process without storage.
// Orchestrates all three stages: parallel model queries, anonymized peer review,
// and chairman synthesis. The returned state is Errored when no model answered
// in Stage 1, in which case Stage 3 carries the placeholder message.
func (c *Council) RunFullCouncil(ctx context.Context, userQuery string) (*RoundResult, error) {
	return c.runStages(ctx, userQuery, discardSink{})
}
