// Package textproc — обработка подписей перед доставкой: фильтр по ключевым
// словам, подстановки текста и снятие подписи. Чистые строковые операции без
// ввода-вывода; порядок стадий фиксирован: сначала фильтр, затем замены,
// снятие подписи — последним, чтобы фильтр видел исходный текст.
package textproc

import "strings"

// Rule — одна подстановка «что → на что». Применяется как простая замена
// подстроки по всей подписи.
type Rule struct {
	From string
	To   string
}

// Policy — правила обработки текста одной пары каналов.
type Policy struct {
	Keywords      []string // пустой список — фильтр выключен
	Rules         []Rule   // применяются в порядке, заданном пользователем
	RemoveCaption bool     // снять подпись после фильтрации и замен
}

// Result — итог обработки подписи.
type Result struct {
	Caption  string // итоговая подпись (пустая при RemoveCaption)
	Filtered bool   // группа отсеяна фильтром ключевых слов
	Replaced bool   // хотя бы одна замена сработала
}

// MatchesKeywords сообщает, содержит ли текст хотя бы одно из ключевых слов.
// Сравнение регистронезависимое, по вхождению подстроки. Пустой список
// ключевых слов пропускает всё.
func MatchesKeywords(text string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	lowered := strings.ToLower(text)
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// ApplyRules выполняет подстановки в пользовательском порядке. Возвращает
// итоговый текст и признак, что хотя бы одна замена изменила его.
// Более ранние правила видят результат более поздних только в том смысле,
// что каждое правило работает по тексту, уже изменённому предыдущими.
func ApplyRules(text string, rules []Rule) (string, bool) {
	replaced := false
	for _, rule := range rules {
		if rule.From == "" {
			continue
		}
		next := strings.ReplaceAll(text, rule.From, rule.To)
		if next != text {
			replaced = true
			text = next
		}
	}
	return text, replaced
}

// Process прогоняет подпись через все стадии политики.
// Отсеянная группа возвращается с Filtered=true и нетронутой подписью —
// вызывающий код не доставляет её и учитывает в статистике.
func Process(caption string, p Policy) Result {
	if !MatchesKeywords(caption, p.Keywords) {
		return Result{Caption: caption, Filtered: true}
	}

	out, replaced := ApplyRules(caption, p.Rules)

	if p.RemoveCaption {
		out = ""
	}
	return Result{Caption: out, Replaced: replaced}
}
